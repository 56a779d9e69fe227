// Package client contains the internal client implementation for Hatch.
package client

import (
	"path"
	"strings"
)

// Target is a local (host, port) pair a request is forwarded to.
type Target struct {
	Host string
	Port int
}

// route binds one glob pattern to a target.
type route struct {
	pattern string
	target  Target
}

// Router maps request paths to local targets. Entries are matched in
// insertion order, first match wins; unmatched paths fall back to the
// default target. It is purely functional and safe for concurrent reads.
type Router struct {
	routes   []route
	fallback Target
}

// NewRouter creates a router with the given fallback target.
func NewRouter(fallback Target) *Router {
	return &Router{fallback: fallback}
}

// Add appends a pattern at the end of the match order.
func (r *Router) Add(pattern, host string, port int) {
	r.routes = append(r.routes, route{pattern: pattern, target: Target{Host: host, Port: port}})
}

// Resolve picks the target for a request path. Any query string is ignored.
func (r *Router) Resolve(requestPath string) Target {
	if i := strings.IndexByte(requestPath, '?'); i >= 0 {
		requestPath = requestPath[:i]
	}
	for _, rt := range r.routes {
		if matchPattern(rt.pattern, requestPath) {
			return rt.target
		}
	}
	return r.fallback
}

// matchPattern evaluates one shell-style glob. A terminal "/*" wildcard
// also matches everything below its prefix, so "/api/*" catches
// "/api/v1/users" and "/*" catches all.
func matchPattern(pattern, requestPath string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if prefix == "" {
			return true
		}
		if requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/") {
			return true
		}
	}
	ok, err := path.Match(pattern, requestPath)
	return err == nil && ok
}
