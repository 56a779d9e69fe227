package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// Config holds the server configuration.
type Config struct {
	Host               string
	Port               int
	BaseDomain         string
	AuthRequired       bool
	MasterKey          string
	HTTPSURLs          bool // advertise https:// public URLs (TLS terminates upstream)
	RateLimitEnabled   bool
	RequestTimeout     time.Duration
	ReservedSubdomains []string
	PortRangeStart     int // reserved tcp tunnel kind
	PortRangeEnd       int
}

// ConfigFromEnv creates a config from environment variables. CLI flags are
// layered on top by the caller and take precedence.
func ConfigFromEnv() *Config {
	port := 8080
	if p := os.Getenv("HATCH_PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	portStart := DefaultPortRangeStart
	if p := os.Getenv("HATCH_PORT_RANGE_START"); p != "" {
		fmt.Sscanf(p, "%d", &portStart)
	}

	portEnd := DefaultPortRangeEnd
	if p := os.Getenv("HATCH_PORT_RANGE_END"); p != "" {
		fmt.Sscanf(p, "%d", &portEnd)
	}

	timeout := protocol.DefaultRequestTimeout
	if t := os.Getenv("HATCH_REQUEST_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	var reserved []string
	if r := os.Getenv("HATCH_RESERVED_SUBDOMAINS"); r != "" {
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s != "" {
				reserved = append(reserved, s)
			}
		}
	}

	return &Config{
		Host:               os.Getenv("HATCH_HOST"),
		Port:               port,
		BaseDomain:         os.Getenv("HATCH_BASE_DOMAIN"),
		AuthRequired:       envBool("HATCH_AUTH_REQUIRED", false),
		MasterKey:          os.Getenv("HATCH_MASTER_KEY"),
		HTTPSURLs:          envBool("HATCH_HTTPS_URLS", false),
		RateLimitEnabled:   envBool("HATCH_RATE_LIMIT", true),
		RequestTimeout:     timeout,
		ReservedSubdomains: reserved,
		PortRangeStart:     portStart,
		PortRangeEnd:       portEnd,
	}
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(os.Getenv(name))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
