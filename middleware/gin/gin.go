// Package gin adapts tokengate gates and the management service to Gin.
package gin

import (
	"github.com/gin-gonic/gin"
	tokengate "github.com/jassus213/go-token-gate"
)

// Gate creates a new Gin middleware handler.
//
// It uses the provided gate to admit or reject each request. Admitted
// requests continue down the handler chain with the gate's header set;
// rejected requests are answered by the gate's error handler and the chain is
// aborted.
//
// Example:
//
//	gate := tokengate.NewConsumptionGate(st)
//	router := gin.Default()
//	router.GET("/resource", gin.Gate(gate), resourceHandler)
func Gate(gate *tokengate.Gate) gin.HandlerFunc {
	if gate == nil {
		panic("gin: Gate requires a non-nil Gate")
	}
	return func(c *gin.Context) {
		if !gate.Serve(c.Writer, c.Request, c.Next) {
			c.Abort()
		}
	}
}

// RegisterManageRoutes mounts the four token management routes on r. It
// panics with tokengate.ErrNoIdentityProvider when the manager has no
// identity provider.
//
// Example:
//
//	router := gin.New()
//	gin.RegisterManageRoutes(router, manager)
func RegisterManageRoutes(r gin.IRoutes, m *tokengate.Manager) {
	if err := m.Validate(); err != nil {
		panic(err)
	}
	for _, rt := range m.Routes() {
		action := rt.Action
		r.Handle(rt.Method, rt.Path, func(c *gin.Context) {
			m.Serve(c.Writer, c.Request, action, c.Param(tokengate.TokenParam))
		})
	}
}
