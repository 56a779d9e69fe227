package client

import "testing"

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter(Target{Host: "127.0.0.1", Port: 3000})
	r.Add("/api/*", "127.0.0.1", 4000)
	r.Add("/api/admin", "127.0.0.1", 5000) // shadowed by the entry above
	r.Add("/ws", "127.0.0.1", 6000)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"api prefix", "/api/users", 4000},
		{"api nested", "/api/v1/users/42", 4000},
		{"api root segment", "/api", 4000},
		{"shadowed exact entry", "/api/admin", 4000},
		{"exact match", "/ws", 6000},
		{"fallback", "/index.html", 3000},
		{"root", "/", 3000},
		{"query ignored", "/api/users?id=1", 4000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.path)
			if got.Port != tt.want {
				t.Errorf("Resolve(%q) port = %d, want %d", tt.path, got.Port, tt.want)
			}
		})
	}
}

func TestRouterTerminalWildcard(t *testing.T) {
	r := NewRouter(Target{Host: "127.0.0.1", Port: 3000})
	r.Add("/static/*", "127.0.0.1", 8080)
	r.Add("/*", "127.0.0.1", 9000)

	if got := r.Resolve("/static/app.js"); got.Port != 8080 {
		t.Errorf("Resolve(/static/app.js) port = %d, want 8080", got.Port)
	}
	if got := r.Resolve("/anything/else"); got.Port != 9000 {
		t.Errorf("Resolve(/anything/else) port = %d, want 9000", got.Port)
	}
	// The catch-all shadows the fallback entirely.
	if got := r.Resolve("/"); got.Port != 9000 {
		t.Errorf("Resolve(/) port = %d, want 9000", got.Port)
	}
}

func TestRouterGlobPatterns(t *testing.T) {
	r := NewRouter(Target{Host: "127.0.0.1", Port: 3000})
	r.Add("/*.png", "127.0.0.1", 7000)

	if got := r.Resolve("/logo.png"); got.Port != 7000 {
		t.Errorf("Resolve(/logo.png) port = %d, want 7000", got.Port)
	}
	if got := r.Resolve("/deep/logo.png"); got.Port != 3000 {
		t.Errorf("Resolve(/deep/logo.png) port = %d, want fallback 3000", got.Port)
	}
}

func TestRouterEmpty(t *testing.T) {
	r := NewRouter(Target{Host: "10.0.0.5", Port: 8000})
	got := r.Resolve("/whatever")
	if got.Host != "10.0.0.5" || got.Port != 8000 {
		t.Errorf("Resolve() = %+v, want fallback", got)
	}
}
