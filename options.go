// Package tokengate gates HTTP requests on per-token quotas and exposes an
// owner-scoped API to manage those tokens.
//
// A Gate reads an opaque token from a request header and either consumes
// quota units (NewConsumptionGate) or meters them (NewCountingGate) through a
// Store. A Manager serves create/read/delete of tokens for the owner returned
// by a pluggable IdentityProvider.
//
// Every component is configured with functional options applied over its own
// copy of the defaults, so configuring one gate never changes another.
package tokengate

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/metric"
)

// Default header names.
const (
	DefaultTokenHeader     = "X-Api-Token"
	DefaultRemainingHeader = "X-RateLimit-Remaining"
)

// Logger is the interface used for logging inside tokengate.
//
// Implement this interface to provide your own logging backend, or use one of
// the adapters under adapters/ (log, slog, zap, zerolog, logrus).
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrorHandler writes the terminal response for a classified error. err.Status
// is already set by the owning component.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err *Error)

// GateSuccessHandler runs after the store accepted a gated request. value is the
// remaining budget for consumption gates and the usage total for counting gates.
// Calling proceed hands the request to the downstream handler; it runs at most once.
type GateSuccessHandler func(w http.ResponseWriter, r *http.Request, value int64, proceed func())

// ManageSuccessHandler writes the response of a successful management action.
// result is a *TokenRecord, a []TokenRecord or, for ActionDelete, the deleted record.
type ManageSuccessHandler func(w http.ResponseWriter, r *http.Request, result any, action Action)

// Config holds the settings of one gate or manager. Users interact with it
// through functional options; each component owns its copy.
type Config struct {
	Units           int64
	TokenHeader     string
	RemainingHeader string
	CountHeader     string
	BehindProxy     bool

	RoutePrefix      string
	IdentityProvider IdentityProvider

	ErrorHandler         ErrorHandler
	GateSuccessHandler   GateSuccessHandler
	ManageSuccessHandler ManageSuccessHandler

	Statuses      StatusTable
	Logger        Logger
	MeterProvider metric.MeterProvider
}

// Option applies one setting to a Config.
//
// Example:
//
//	gate := tokengate.NewConsumptionGate(st,
//	    tokengate.WithUnits(5),
//	    tokengate.WithTokenHeader("X-Token"),
//	)
type Option func(*Config)

type component int

const (
	componentConsume component = iota
	componentCount
	componentManage
)

// newConfig builds a fresh defaults literal for the component and applies opts
// on top of it. Nothing is shared between two calls.
func newConfig(c component, opts ...Option) Config {
	cfg := Config{
		Units:       1,
		TokenHeader: DefaultTokenHeader,
		Logger:      &noopLogger{},
	}
	switch c {
	case componentConsume:
		cfg.RemainingHeader = DefaultRemainingHeader
		cfg.Statuses = ConsumeStatusTable()
		cfg.ErrorHandler = jsonErrorHandler(http.StatusUnauthorized)
	case componentCount:
		cfg.Statuses = CountStatusTable()
		cfg.ErrorHandler = jsonErrorHandler(http.StatusUnauthorized)
	case componentManage:
		cfg.Statuses = ManageStatusTable()
		cfg.ErrorHandler = jsonErrorHandler(http.StatusInternalServerError)
		cfg.ManageSuccessHandler = jsonManageSuccess
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.Statuses = cfg.Statuses.clone()
	if cfg.Units <= 0 {
		cfg.Units = 1
	}
	if cfg.GateSuccessHandler == nil {
		cfg.GateSuccessHandler = headerSuccess(headerFor(c, cfg))
	}
	return cfg
}

func headerFor(c component, cfg Config) string {
	switch c {
	case componentConsume:
		return cfg.RemainingHeader
	case componentCount:
		return cfg.CountHeader
	}
	return ""
}

// WithUnits sets how many quota units a gated request consumes or counts.
// Values below 1 fall back to 1.
func WithUnits(n int64) Option {
	return func(c *Config) { c.Units = n }
}

// WithTokenHeader sets the request header the token is read from.
func WithTokenHeader(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.TokenHeader = name
		}
	}
}

// WithRemainingHeader sets the header a consumption gate reports the remaining
// units in. Counting gates ignore it.
func WithRemainingHeader(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.RemainingHeader = name
		}
	}
}

// WithCountHeader sets the header a counting gate reports the usage total in.
// Without it a counting gate emits no header.
func WithCountHeader(name string) Option {
	return func(c *Config) { c.CountHeader = name }
}

// WithBehindProxy makes client addresses in logs come from X-Forwarded-For.
func WithBehindProxy(on bool) Option {
	return func(c *Config) { c.BehindProxy = on }
}

// WithRoutePrefix prefixes the management routes, e.g. "/api".
func WithRoutePrefix(prefix string) Option {
	return func(c *Config) { c.RoutePrefix = prefix }
}

// WithIdentityProvider sets the callback that resolves the owner of a
// management request.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(c *Config) { c.IdentityProvider = p }
}

// WithErrorHandler replaces the default JSON error response.
func WithErrorHandler(f ErrorHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.ErrorHandler = f
		}
	}
}

// WithGateSuccessHandler replaces the default header-and-proceed behaviour of a gate.
func WithGateSuccessHandler(f GateSuccessHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.GateSuccessHandler = f
		}
	}
}

// WithManageSuccessHandler replaces the default JSON response of the manager.
func WithManageSuccessHandler(f ManageSuccessHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.ManageSuccessHandler = f
		}
	}
}

// WithStatusTable replaces the kind to status mapping of the component.
func WithStatusTable(t StatusTable) Option {
	return func(c *Config) {
		if t.Codes != nil || t.Fallback != 0 {
			c.Statuses = t
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithMeterProvider enables OpenTelemetry metrics for the component.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.MeterProvider = mp }
}

// noopLogger is a private default logger that does nothing.
type noopLogger struct{}

func (l *noopLogger) Debugf(format string, args ...interface{}) {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

type messageBody struct {
	Message string `json:"message"`
}

// jsonErrorHandler answers {"message": ...} with err.Status, or fallback when
// the status is unset.
func jsonErrorHandler(fallback int) ErrorHandler {
	return func(w http.ResponseWriter, _ *http.Request, err *Error) {
		status := err.Status
		if status == 0 {
			status = fallback
		}
		writeJSON(w, status, messageBody{Message: err.Message})
	}
}

func headerSuccess(header string) GateSuccessHandler {
	return func(w http.ResponseWriter, _ *http.Request, value int64, proceed func()) {
		if header != "" {
			w.Header().Set(header, strconv.FormatInt(value, 10))
		}
		proceed()
	}
}

func jsonManageSuccess(w http.ResponseWriter, _ *http.Request, result any, action Action) {
	if action == ActionDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"message":"Internal Error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
