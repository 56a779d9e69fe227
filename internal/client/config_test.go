package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hatch.yml")
	manifest := `server: https://tunnel.example.com
api_key: sk-test
tunnels:
  - subdomain: web
    port: 3000
    basic_auth: "user:pass"
  - subdomain: api
    host: 192.168.1.5
    port: 4000
    routes:
      - pattern: /v2/*
        port: 4002
`
	if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}

	if cfg.ServerURL != "https://tunnel.example.com" || cfg.APIKey != "sk-test" {
		t.Errorf("top-level fields = %q, %q", cfg.ServerURL, cfg.APIKey)
	}
	if len(cfg.Tunnels) != 2 {
		t.Fatalf("parsed %d tunnels, want 2", len(cfg.Tunnels))
	}
	if cfg.Tunnels[0].BasicAuth != "user:pass" {
		t.Errorf("basic_auth = %q", cfg.Tunnels[0].BasicAuth)
	}
	if cfg.Tunnels[1].Host != "192.168.1.5" {
		t.Errorf("host = %q", cfg.Tunnels[1].Host)
	}
	if len(cfg.Tunnels[1].Routes) != 1 || cfg.Tunnels[1].Routes[0].Pattern != "/v2/*" {
		t.Errorf("routes = %+v", cfg.Tunnels[1].Routes)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("LoadManifest() succeeded on a missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{ServerURL: "https://t.example.com", Tunnels: []TunnelConfig{{Port: 3000}}}, false},
		{"no server", Config{Tunnels: []TunnelConfig{{Port: 3000}}}, true},
		{"no tunnels", Config{ServerURL: "https://t.example.com"}, true},
		{"bad port", Config{ServerURL: "https://t.example.com", Tunnels: []TunnelConfig{{Port: 0}}}, true},
		{"port too high", Config{ServerURL: "https://t.example.com", Tunnels: []TunnelConfig{{Port: 70000}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateDefaultsHost(t *testing.T) {
	cfg := Config{ServerURL: "https://t.example.com", Tunnels: []TunnelConfig{{Port: 3000}}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Tunnels[0].Host != "127.0.0.1" {
		t.Errorf("host defaulted to %q, want 127.0.0.1", cfg.Tunnels[0].Host)
	}
}

func TestTunnelConfigRouter(t *testing.T) {
	cfg := TunnelConfig{
		Host: "127.0.0.1",
		Port: 3000,
		Routes: []RouteConfig{
			{Pattern: "/api/*", Port: 4000},
			{Pattern: "/media/*", Host: "10.0.0.2"}, // inherits the tunnel port
		},
	}
	r := cfg.router()

	if got := r.Resolve("/api/users"); got.Port != 4000 || got.Host != "127.0.0.1" {
		t.Errorf("Resolve(/api/users) = %+v", got)
	}
	if got := r.Resolve("/media/x.jpg"); got.Host != "10.0.0.2" || got.Port != 3000 {
		t.Errorf("Resolve(/media/x.jpg) = %+v", got)
	}
	if got := r.Resolve("/other"); got.Port != 3000 {
		t.Errorf("Resolve(/other) = %+v", got)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	// Point the store at a scratch home directory.
	t.Setenv("HOME", t.TempDir())

	creds, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials() on empty store failed: %v", err)
	}
	if creds.APIKey != "" {
		t.Errorf("empty store returned key %q", creds.APIKey)
	}

	if err := SaveCredentials(&Credentials{APIKey: "sk-123", Server: "https://t.example.com"}); err != nil {
		t.Fatalf("SaveCredentials() failed: %v", err)
	}

	path, _ := CredentialsPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("credentials file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credentials file mode = %o, want 600", perm)
	}

	loaded, err := LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIKey != "sk-123" || loaded.Server != "https://t.example.com" {
		t.Errorf("loaded = %+v", loaded)
	}

	if err := DeleteCredentials(); err != nil {
		t.Fatalf("DeleteCredentials() failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("credentials file still present after logout")
	}
}
