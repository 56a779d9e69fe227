package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RouteConfig is one path-routing rule inside a tunnel definition.
type RouteConfig struct {
	Pattern string `yaml:"pattern"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// TunnelConfig declares one tunnel to open.
type TunnelConfig struct {
	Subdomain string        `yaml:"subdomain"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	BasicAuth string        `yaml:"basic_auth"` // "user:pass"
	Routes    []RouteConfig `yaml:"routes"`
}

// Config holds the client configuration.
type Config struct {
	ServerURL     string         `yaml:"server"`
	APIKey        string         `yaml:"api_key"`
	Tunnels       []TunnelConfig `yaml:"tunnels"`
	InspectorPort int            `yaml:"inspector_port"`
	NoInspector   bool           `yaml:"no_inspector"`
}

// LoadManifest reads a declarative multi-tunnel manifest.
func LoadManifest(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration before connecting.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel is required")
	}
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("tunnel %d: invalid port %d", i, t.Port)
		}
		if t.Host == "" {
			t.Host = "127.0.0.1"
		}
	}
	return nil
}

// router builds the path router for one tunnel.
func (t *TunnelConfig) router() *Router {
	r := NewRouter(Target{Host: t.Host, Port: t.Port})
	for _, rc := range t.Routes {
		host := rc.Host
		if host == "" {
			host = t.Host
		}
		port := rc.Port
		if port == 0 {
			port = t.Port
		}
		r.Add(rc.Pattern, host, port)
	}
	return r
}
