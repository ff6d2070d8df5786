package tokengate

import (
	"context"
	"net/http"
	"time"
)

// Gate performs admission control on a per-request basis. A consumption gate
// takes quota units from the token and answers 429 once the budget is spent;
// a counting gate only meters usage.
//
// Gate is framework neutral; see middleware/nethttp and middleware/gin for
// ready-made middleware.
type Gate struct {
	store    Store
	cfg      Config
	name     string
	counting bool
	metrics  *metrics
}

// NewConsumptionGate creates a gate that consumes units on every request and
// reports the remaining budget in X-RateLimit-Remaining.
//
// Example:
//
//	gate := tokengate.NewConsumptionGate(st, tokengate.WithUnits(2))
//	http.Handle("/resource", nethttp.Middleware(gate)(resourceHandler))
func NewConsumptionGate(store Store, opts ...Option) *Gate {
	return newGate(store, "consume", false, newConfig(componentConsume, opts...))
}

// NewCountingGate creates a gate that counts units on every request. It never
// rejects for exhausted quota, only for missing or unknown tokens.
func NewCountingGate(store Store, opts ...Option) *Gate {
	return newGate(store, "count", true, newConfig(componentCount, opts...))
}

func newGate(store Store, name string, counting bool, cfg Config) *Gate {
	if store == nil {
		panic("tokengate: gate requires a non-nil Store")
	}
	m, err := newMetrics(cfg.MeterProvider)
	if err != nil {
		cfg.Logger.Errorf("%s: metrics disabled: %v", name, err)
	}
	return &Gate{store: store, cfg: cfg, name: name, counting: counting, metrics: m}
}

// Config returns a copy of the gate's configuration.
func (g *Gate) Config() Config {
	out := g.cfg
	out.Statuses = g.cfg.Statuses.clone()
	return out
}

// Serve runs the admission decision for one request. On success the success
// handler is invoked and proceed runs at most once; on failure the error
// handler writes the response and proceed never runs. It reports whether
// proceed was called.
func (g *Gate) Serve(w http.ResponseWriter, r *http.Request, proceed func()) bool {
	ctx := r.Context()

	token := r.Header.Get(g.cfg.TokenHeader)
	if token == "" {
		g.cfg.Logger.Debugf("%s: no token was provided, ip=%s", g.name, ClientAddress(r, g.cfg.BehindProxy))
		g.fail(w, r, &Error{Kind: KindTokenNotExists, Message: ErrTokenNotExists.Error()})
		return false
	}

	value, err := g.call(ctx, token)
	if err != nil {
		e := Classify(err)
		switch e.Kind {
		case KindTokenNotExists:
			g.cfg.Logger.Debugf("%s: token not found, token=%s ip=%s", g.name, maskToken(token), ClientAddress(r, g.cfg.BehindProxy))
		case KindUsageLimit:
			g.cfg.Logger.Debugf("%s: usage limit reached, token=%s ip=%s", g.name, maskToken(token), ClientAddress(r, g.cfg.BehindProxy))
		default:
			g.cfg.Logger.Errorf("%s: store error, ip=%s: %v", g.name, ClientAddress(r, g.cfg.BehindProxy), err)
		}
		g.fail(w, r, e)
		return false
	}

	g.metrics.recordGate(ctx, g.name, nil)

	proceeded := false
	g.cfg.GateSuccessHandler(w, r, value, func() {
		if proceeded {
			g.cfg.Logger.Debugf("%s: proceed called more than once, ignoring", g.name)
			return
		}
		proceeded = true
		proceed()
	})
	return proceeded
}

// call issues exactly one store call for the request.
func (g *Gate) call(ctx context.Context, token string) (int64, error) {
	start := time.Now()
	var (
		value int64
		err   error
	)
	if g.counting {
		value, err = g.store.Count(ctx, token, g.cfg.Units)
	} else {
		value, err = g.store.Consume(ctx, token, g.cfg.Units)
	}
	g.metrics.recordStore(ctx, g.name, start, err)
	return value, err
}

func (g *Gate) fail(w http.ResponseWriter, r *http.Request, e *Error) {
	e.Status = g.cfg.Statuses.Status(e.Kind)
	g.metrics.recordGate(r.Context(), g.name, e)
	g.cfg.ErrorHandler(w, r, e)
}

// maskToken keeps the first four characters of a token for log correlation.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
