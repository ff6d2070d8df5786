package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	tokengate "github.com/jassus213/go-token-gate"
	"github.com/sony/gobreaker/v2"
)

// ErrStoreUnavailable is returned while the breaker is open or half-open and
// saturated. It classifies as an internal error.
var ErrStoreUnavailable = tokengate.NewError(tokengate.KindInternal, "store unavailable", nil)

// BreakerSettings configures NewBreaker. Zero values fall back to gobreaker
// defaults, except ConsecutiveFailures which defaults to 5.
type BreakerSettings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	OnStateChange       func(name string, from, to gobreaker.State)
}

// BreakerStore guards another store with a circuit breaker. Only backend
// failures count against it: missing tokens, exhausted budgets and policy
// rejections are answers, not outages.
type BreakerStore struct {
	next tokengate.Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps next.
//
// Example:
//
//	st := store.NewBreaker(store.NewRedis(rdb), store.BreakerSettings{Name: "redis"})
func NewBreaker(next tokengate.Store, s BreakerSettings) *BreakerStore {
	if next == nil {
		panic("store: NewBreaker requires a non-nil Store")
	}
	if s.Name == "" {
		s.Name = "tokengate-store"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	threshold := s.ConsecutiveFailures
	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isAnswer,
	}
	if s.OnStateChange != nil {
		st.OnStateChange = s.OnStateChange
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](st)}
}

// State reports the breaker state.
func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }

func isAnswer(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	k := tokengate.KindOf(err)
	return k != tokengate.KindInternal && k != tokengate.KindInternalConfiguration
}

func (b *BreakerStore) guard(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func (b *BreakerStore) Consume(ctx context.Context, token string, units int64) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Consume(ctx, token, units)
	})
	n, _ := v.(int64)
	return n, b.guard(err)
}

func (b *BreakerStore) Count(ctx context.Context, token string, units int64) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Count(ctx, token, units)
	})
	n, _ := v.(int64)
	return n, b.guard(err)
}

func (b *BreakerStore) Create(ctx context.Context, id tokengate.Identity) (*tokengate.TokenRecord, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Create(ctx, id)
	})
	rec, _ := v.(*tokengate.TokenRecord)
	return rec, b.guard(err)
}

func (b *BreakerStore) Get(ctx context.Context, token string) (*tokengate.TokenRecord, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Get(ctx, token)
	})
	rec, _ := v.(*tokengate.TokenRecord)
	return rec, b.guard(err)
}

func (b *BreakerStore) GetByOwnerID(ctx context.Context, ownerID string) ([]tokengate.TokenRecord, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.GetByOwnerID(ctx, ownerID)
	})
	recs, _ := v.([]tokengate.TokenRecord)
	return recs, b.guard(err)
}

func (b *BreakerStore) Delete(ctx context.Context, token string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Delete(ctx, token)
	})
	return b.guard(err)
}
