package tokengate

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Action names a management operation.
type Action string

// Management actions.
const (
	ActionCreate  Action = "create"
	ActionReadOne Action = "readOne"
	ActionReadAll Action = "readAll"
	ActionDelete  Action = "delete"
)

// TokenParam is the name of the path parameter carrying the token in Routes.
const TokenParam = "token"

// Route is one management endpoint. Path uses ":token" for the token segment;
// adapters translate it to their router syntax.
type Route struct {
	Method string
	Path   string
	Action Action
}

// Manager serves owner-scoped create, read and delete of tokens. Every action
// first resolves the caller through the configured IdentityProvider.
type Manager struct {
	store   Store
	cfg     Config
	metrics *metrics
}

// NewManager creates a management service over store.
//
// Example:
//
//	m := tokengate.NewManager(st,
//	    tokengate.WithRoutePrefix("/api"),
//	    tokengate.WithIdentityProvider(func(w http.ResponseWriter, r *http.Request) (*tokengate.Identity, error) {
//	        return &tokengate.Identity{OwnerID: userFromSession(r), PolicyName: "free"}, nil
//	    }),
//	)
//	nethttp.RegisterManageRoutes(mux, m)
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		panic("tokengate: manager requires a non-nil Store")
	}
	cfg := newConfig(componentManage, opts...)
	met, err := newMetrics(cfg.MeterProvider)
	if err != nil {
		cfg.Logger.Errorf("manage: metrics disabled: %v", err)
	}
	return &Manager{store: store, cfg: cfg, metrics: met}
}

// Validate reports configuration errors that make the routes unusable.
func (m *Manager) Validate() error {
	if m.cfg.IdentityProvider == nil {
		return ErrNoIdentityProvider
	}
	return nil
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config {
	out := m.cfg
	out.Statuses = m.cfg.Statuses.clone()
	return out
}

// Routes lists the four management endpoints under the route prefix.
func (m *Manager) Routes() []Route {
	p := m.cfg.RoutePrefix
	return []Route{
		{Method: http.MethodGet, Path: p + "/token", Action: ActionReadAll},
		{Method: http.MethodGet, Path: p + "/token/:" + TokenParam, Action: ActionReadOne},
		{Method: http.MethodPost, Path: p + "/token", Action: ActionCreate},
		{Method: http.MethodDelete, Path: p + "/token/:" + TokenParam, Action: ActionDelete},
	}
}

// Serve resolves the caller's identity and runs action. token is the path
// parameter for ActionReadOne and ActionDelete and ignored otherwise.
// Exactly one response is written.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, action Action, token string) {
	id, handled, e := m.resolveIdentity(w, r)
	if handled {
		return
	}
	if e != nil {
		m.fail(w, r, action, e)
		return
	}
	r = r.WithContext(WithIdentity(r.Context(), id))

	switch action {
	case ActionCreate:
		m.create(w, r, id)
	case ActionReadAll:
		m.readAll(w, r, id)
	case ActionReadOne:
		m.readOne(w, r, id, token)
	case ActionDelete:
		m.del(w, r, id, token)
	default:
		m.fail(w, r, action, &Error{Kind: KindInternalConfiguration, Message: internalMessage,
			Err: fmt.Errorf("unknown action %q", action)})
	}
}

// resolveIdentity runs the provider. handled is true when the provider wrote a
// response itself; the manager then stays silent.
func (m *Manager) resolveIdentity(w http.ResponseWriter, r *http.Request) (id *Identity, handled bool, e *Error) {
	if m.cfg.IdentityProvider == nil {
		return nil, false, &Error{Kind: KindInternalConfiguration, Message: internalMessage, Err: ErrNoIdentityProvider}
	}

	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			m.cfg.Logger.Errorf("identity: provider panicked, ip=%s: %v", m.ip(r), rec)
			id, e = nil, &Error{Kind: KindInternal, Message: internalMessage, Err: fmt.Errorf("identity provider panic: %v", rec)}
			handled = tw.wrote
		}
	}()

	got, err := m.cfg.IdentityProvider(tw, r)
	if tw.wrote {
		m.cfg.Logger.Debugf("identity: provider wrote the response, ip=%s", m.ip(r))
		return nil, true, nil
	}
	if err != nil {
		m.cfg.Logger.Errorf("identity: provider failed, ip=%s: %v", m.ip(r), err)
		return nil, false, &Error{Kind: KindInternal, Message: internalMessage, Err: err}
	}
	if got == nil {
		m.cfg.Logger.Errorf("identity: provider returned no identity, ip=%s", m.ip(r))
		return nil, false, &Error{Kind: KindInternalConfiguration, Message: internalMessage,
			Err: errors.New("identity provider returned no identity")}
	}
	if got.OwnerID == "" {
		m.cfg.Logger.Errorf("identity: provider returned no OwnerID, ip=%s", m.ip(r))
		return nil, false, &Error{Kind: KindInternalConfiguration, Message: internalMessage,
			Err: errors.New("identity provider returned no OwnerID")}
	}
	return got.clone(), false, nil
}

func (m *Manager) create(w http.ResponseWriter, r *http.Request, id *Identity) {
	start := time.Now()
	rec, err := m.store.Create(r.Context(), *id)
	m.metrics.recordStore(r.Context(), "create", start, err)
	if err != nil {
		e := Classify(err)
		if e.Kind != KindPolicy {
			e = storeFailure(err)
		}
		m.logFailure(r, ActionCreate, err)
		m.fail(w, r, ActionCreate, e)
		return
	}
	m.succeed(w, r, rec, ActionCreate)
}

func (m *Manager) readAll(w http.ResponseWriter, r *http.Request, id *Identity) {
	start := time.Now()
	recs, err := m.store.GetByOwnerID(r.Context(), id.OwnerID)
	m.metrics.recordStore(r.Context(), "getByOwnerId", start, err)
	if err != nil {
		m.logFailure(r, ActionReadAll, err)
		m.fail(w, r, ActionReadAll, storeFailure(err))
		return
	}
	if recs == nil {
		recs = []TokenRecord{}
	}
	m.succeed(w, r, recs, ActionReadAll)
}

func (m *Manager) readOne(w http.ResponseWriter, r *http.Request, id *Identity, token string) {
	rec, ok := m.fetchOwned(w, r, ActionReadOne, id, token)
	if !ok {
		return
	}
	m.succeed(w, r, rec, ActionReadOne)
}

func (m *Manager) del(w http.ResponseWriter, r *http.Request, id *Identity, token string) {
	rec, ok := m.fetchOwned(w, r, ActionDelete, id, token)
	if !ok {
		return
	}

	start := time.Now()
	err := m.store.Delete(r.Context(), rec.Token)
	m.metrics.recordStore(r.Context(), "del", start, err)
	if err != nil {
		m.logFailure(r, ActionDelete, err)
		m.fail(w, r, ActionDelete, storeFailure(err))
		return
	}
	m.succeed(w, r, rec, ActionDelete)
}

// fetchOwned loads the token and verifies it belongs to the caller. On any
// failure the response is written and ok is false.
func (m *Manager) fetchOwned(w http.ResponseWriter, r *http.Request, action Action, id *Identity, token string) (*TokenRecord, bool) {
	if token == "" {
		m.fail(w, r, action, &Error{Kind: KindTokenNotExists, Message: ErrTokenNotExists.Error()})
		return nil, false
	}

	start := time.Now()
	rec, err := m.store.Get(r.Context(), token)
	m.metrics.recordStore(r.Context(), "get", start, err)
	if err != nil {
		m.logFailure(r, action, err)
		m.fail(w, r, action, storeFailure(err))
		return nil, false
	}
	if rec == nil {
		m.cfg.Logger.Debugf("%s: token not found, token=%s ip=%s", action, maskToken(token), m.ip(r))
		m.fail(w, r, action, &Error{Kind: KindTokenNotExists, Message: ErrTokenNotExists.Error()})
		return nil, false
	}
	if rec.OwnerID != id.OwnerID {
		m.cfg.Logger.Debugf("%s: owner mismatch, token=%s ip=%s", action, maskToken(token), m.ip(r))
		m.fail(w, r, action, &Error{Kind: KindAuthentication, Message: ErrNotAllowed.Error()})
		return nil, false
	}
	return rec, true
}

func (m *Manager) succeed(w http.ResponseWriter, r *http.Request, result any, action Action) {
	m.metrics.recordManage(r.Context(), action, nil)
	m.cfg.ManageSuccessHandler(w, r, result, action)
}

func (m *Manager) fail(w http.ResponseWriter, r *http.Request, action Action, e *Error) {
	e.Status = m.cfg.Statuses.Status(e.Kind)
	m.metrics.recordManage(r.Context(), action, e)
	m.cfg.ErrorHandler(w, r, e)
}

func (m *Manager) logFailure(r *http.Request, action Action, err error) {
	m.cfg.Logger.Errorf("%s: operation error, ip=%s: %v", action, m.ip(r), err)
}

func (m *Manager) ip(r *http.Request) string {
	return ClientAddress(r, m.cfg.BehindProxy)
}

// storeFailure hides the store's error behind a generic internal error.
func storeFailure(err error) *Error {
	return &Error{Kind: KindInternal, Message: internalMessage, Err: err}
}

// trackingWriter records whether anything was written through it.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
