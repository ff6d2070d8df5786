// Package nethttp adapts tokengate gates and the management service to the
// standard net/http library.
package nethttp

import (
	"net/http"
	"strings"

	tokengate "github.com/jassus213/go-token-gate"
)

// Middleware creates a new middleware handler for the standard `net/http` library.
//
// It wraps an existing `http.Handler` and runs every request through the gate.
// Admitted requests reach next with the gate's header set; rejected requests
// are answered by the gate's error handler and never reach next.
//
// Example:
//
//	gate := tokengate.NewConsumptionGate(st)
//	mux := http.NewServeMux()
//	mux.Handle("/resource", nethttp.Middleware(gate)(resourceHandler))
//	http.ListenAndServe(":8080", mux)
func Middleware(gate *tokengate.Gate) func(http.Handler) http.Handler {
	if gate == nil {
		panic("nethttp: Middleware requires a non-nil Gate")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate.Serve(w, r, func() { next.ServeHTTP(w, r) })
		})
	}
}

// RegisterManageRoutes mounts the four token management routes on mux using
// Go 1.22 method patterns. It panics with tokengate.ErrNoIdentityProvider when
// the manager has no identity provider.
//
// Example:
//
//	mux := http.NewServeMux()
//	nethttp.RegisterManageRoutes(mux, manager)
func RegisterManageRoutes(mux *http.ServeMux, m *tokengate.Manager) {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	for _, rt := range m.Routes() {
		rt := rt
		pattern := rt.Method + " " + toPattern(rt.Path)
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			m.Serve(w, r, rt.Action, r.PathValue(tokengate.TokenParam))
		})
	}
}

// toPattern rewrites ":name" segments into ServeMux "{name}" wildcards.
func toPattern(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}
