package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokengate "github.com/jassus213/go-token-gate"
	"github.com/jassus213/go-token-gate/store"
)

// flakyStore fails Consume with a backend error while down is set.
type flakyStore struct {
	*store.MemoryStore
	down  atomic.Bool
	calls atomic.Int64
}

func (f *flakyStore) Consume(ctx context.Context, token string, units int64) (int64, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return 0, errors.New("connection reset")
	}
	return f.MemoryStore.Consume(ctx, token, units)
}

func TestBreakerStore(t *testing.T) {
	runContract(t, func(_ *testing.T, opts ...store.Option) tokengate.Store {
		return store.NewBreaker(store.NewMemory(opts...), store.BreakerSettings{})
	})
}

func TestBreakerStore_OpensOnBackendFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: store.NewMemory(store.WithPolicies(tokengate.Policy{Name: "free", Limit: 10}))}
	rec, err := flaky.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "free"})
	require.NoError(t, err)

	var transitions atomic.Int64
	b := store.NewBreaker(flaky, store.BreakerSettings{
		ConsecutiveFailures: 3,
		Timeout:             50 * time.Millisecond,
		OnStateChange:       func(string, gobreaker.State, gobreaker.State) { transitions.Add(1) },
	})

	flaky.down.Store(true)
	for i := 0; i < 3; i++ {
		_, err := b.Consume(ctx, rec.Token, 1)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err = b.Consume(ctx, rec.Token, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, tokengate.KindInternal, tokengate.KindOf(err))
	assert.EqualValues(t, 3, flaky.calls.Load(), "an open breaker does not reach the backend")

	flaky.down.Store(false)
	require.Eventually(t, func() bool {
		_, err := b.Consume(ctx, rec.Token, 1)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.GreaterOrEqual(t, transitions.Load(), int64(3))
}

func TestBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(store.WithPolicies(tokengate.Policy{Name: "free", Limit: 1, MaxTokens: 1}))
	b := store.NewBreaker(mem, store.BreakerSettings{ConsecutiveFailures: 2})

	rec, err := b.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "free"})
	require.NoError(t, err)
	_, err = b.Consume(ctx, rec.Token, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = b.Consume(ctx, "missing", 1)
		assert.ErrorIs(t, err, tokengate.ErrTokenNotExists)
		_, err = b.Consume(ctx, rec.Token, 1)
		assert.ErrorIs(t, err, tokengate.ErrUsageLimit)
		_, err = b.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "free"})
		assert.ErrorIs(t, err, tokengate.ErrPolicy)
		assert.ErrorIs(t, b.Delete(ctx, "missing"), tokengate.ErrTokenNotExists)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestNewBreaker_NilStorePanics(t *testing.T) {
	assert.Panics(t, func() { store.NewBreaker(nil, store.BreakerSettings{}) })
}

func TestBreakerStore_OpenErrorIsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: store.NewMemory()}
	flaky.down.Store(true)
	b := store.NewBreaker(flaky, store.BreakerSettings{ConsecutiveFailures: 1, Timeout: time.Minute})

	_, _ = b.Consume(ctx, "tok", 1)
	_, err := b.Consume(ctx, "tok", 1)

	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, "Internal Error", tokengate.Classify(err).Message)
}
