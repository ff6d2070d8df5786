package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	tokengate "github.com/jassus213/go-token-gate"
	slogadapter "github.com/jassus213/go-token-gate/adapters/slog"
	"github.com/jassus213/go-token-gate/internal/config"
	ginmw "github.com/jassus213/go-token-gate/middleware/gin"
	"github.com/jassus213/go-token-gate/store"
)

// backend is a store plus whatever must be released on shutdown.
type backend struct {
	store tokengate.Store
	close func() error
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	be, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Error("store close failed", "err", err)
		}
	}()

	engine, err := newEngine(cfg, be.store, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen, "store", cfg.Store.Driver, "gate", cfg.Gate.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func storeOptions(cfg config.Config) []store.Option {
	return []store.Option{
		store.WithPolicies(cfg.Policies...),
		store.WithDefaultPolicy(cfg.Store.DefaultPolicy),
		store.WithPrefix(cfg.Store.Prefix),
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	be, err := openDriver(ctx, cfg, logger)
	if err != nil {
		return backend{}, err
	}
	if cfg.Breaker.Enabled {
		be.store = store.NewBreaker(be.store, store.BreakerSettings{
			Name:                cfg.Store.Driver,
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			Timeout:             cfg.Breaker.Timeout,
			MaxRequests:         cfg.Breaker.MaxRequests,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("store breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return be, nil
}

func openDriver(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	opts := storeOptions(cfg)
	switch cfg.Store.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return backend{}, fmt.Errorf("redis ping %s: %w", cfg.Store.Redis.Addr, err)
		}
		return backend{store: store.NewRedis(rdb, opts...), close: rdb.Close}, nil

	case config.DriverSQLite:
		st, err := store.OpenSQLite(ctx, cfg.Store.DSN, opts...)
		if err != nil {
			return backend{}, err
		}
		return backend{store: st, close: st.Close}, nil

	case config.DriverMySQL:
		dsn, err := mysqlDSN(cfg.Store.DSN)
		if err != nil {
			return backend{}, err
		}
		st, err := store.OpenMySQL(ctx, dsn, opts...)
		if err != nil {
			return backend{}, err
		}
		return backend{store: st, close: st.Close}, nil

	default:
		logger.Warn("using the in-memory store, tokens are lost on restart")
		return backend{store: store.NewMemory(opts...), close: func() error { return nil }}, nil
	}
}

// mysqlDSN normalises a go-sql-driver DSN.
func mysqlDSN(raw string) (string, error) {
	mc, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("store.dsn: %w", err)
	}
	if mc.Timeout == 0 {
		mc.Timeout = 5 * time.Second
	}
	return mc.FormatDSN(), nil
}

// headerIdentity trusts identity headers set by an authenticating proxy. A
// request without the owner header is answered with 401 by the provider.
func headerIdentity(m config.Manage) tokengate.IdentityProvider {
	return func(w http.ResponseWriter, r *http.Request) (*tokengate.Identity, error) {
		owner := r.Header.Get(m.OwnerHeader)
		if owner == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Not authenticated"}`))
			return nil, nil
		}
		id := &tokengate.Identity{OwnerID: owner}
		if m.PolicyHeader != "" {
			id.PolicyName = r.Header.Get(m.PolicyHeader)
		}
		return id, nil
	}
}

func newEngine(cfg config.Config, st tokengate.Store, logger *slog.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	lg := slogadapter.New(logger)
	mp := otel.GetMeterProvider()

	manager := tokengate.NewManager(st,
		tokengate.WithRoutePrefix(cfg.Manage.Prefix),
		tokengate.WithIdentityProvider(headerIdentity(cfg.Manage)),
		tokengate.WithBehindProxy(cfg.BehindProxy),
		tokengate.WithLogger(lg),
		tokengate.WithMeterProvider(mp),
	)
	ginmw.RegisterManageRoutes(engine, manager)

	gateOpts := []tokengate.Option{
		tokengate.WithUnits(cfg.Gate.Units),
		tokengate.WithTokenHeader(cfg.Gate.TokenHeader),
		tokengate.WithBehindProxy(cfg.BehindProxy),
		tokengate.WithLogger(lg),
		tokengate.WithMeterProvider(mp),
	}
	var gate *tokengate.Gate
	if cfg.Gate.Mode == config.ModeCount {
		gate = tokengate.NewCountingGate(st, append(gateOpts, tokengate.WithCountHeader(cfg.Gate.CountHeader))...)
	} else {
		gate = tokengate.NewConsumptionGate(st, append(gateOpts, tokengate.WithRemainingHeader(cfg.Gate.RemainingHeader))...)
	}

	upstream, err := newProxy(cfg.Upstream, logger)
	if err != nil {
		return nil, err
	}
	engine.NoRoute(ginmw.Gate(gate), func(c *gin.Context) {
		upstream.ServeHTTP(c.Writer, c.Request)
	})
	return engine, nil
}

// newProxy forwards admitted requests to upstream. Without an upstream every
// admitted request gets 204.
func newProxy(upstream string, logger *slog.Logger) (http.Handler, error) {
	if upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "path", r.URL.Path, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy, nil
}
