package store_test

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokengate "github.com/jassus213/go-token-gate"
	"github.com/jassus213/go-token-gate/store"
)

type factory func(t *testing.T, opts ...store.Option) tokengate.Store

var hexToken = regexp.MustCompile(`^[0-9a-f]{32}$`)

var contractPolicies = store.WithPolicies(
	tokengate.Policy{Name: "free", Limit: 5, MaxTokens: 2, Period: "month"},
	tokengate.Policy{Name: "bulk", Limit: 50},
	tokengate.Policy{Name: "metered", Count: true},
)

// runContract checks the behaviour every tokengate.Store must share.
func runContract(t *testing.T, newStore factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		before := time.Now().Add(-time.Second)

		rec, err := st.Create(ctx, tokengate.Identity{
			OwnerID: "alice", PolicyName: "free", Attributes: map[string]string{"tenant": "acme"},
		})
		require.NoError(t, err)
		assert.Regexp(t, hexToken, rec.Token)
		assert.Equal(t, "alice", rec.OwnerID)
		assert.Equal(t, "free", rec.PolicyName)
		assert.EqualValues(t, 5, rec.Limit)
		assert.EqualValues(t, 5, rec.Remaining)
		assert.EqualValues(t, 0, rec.Consumed)
		assert.False(t, rec.Count)
		assert.Equal(t, map[string]string{"tenant": "acme"}, rec.Attributes)
		assert.True(t, rec.CreatedAt.After(before))

		got, err := st.Get(ctx, rec.Token)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *rec, *got)
	})

	t.Run("get missing", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		got, err := st.Get(ctx, "0123456789abcdef0123456789abcdef")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("consume", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "free"})
		require.NoError(t, err)

		left, err := st.Consume(ctx, rec.Token, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 3, left)

		_, err = st.Consume(ctx, rec.Token, 4)
		assert.ErrorIs(t, err, tokengate.ErrUsageLimit)

		left, err = st.Consume(ctx, rec.Token, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 0, left)

		_, err = st.Consume(ctx, rec.Token, 1)
		assert.ErrorIs(t, err, tokengate.ErrUsageLimit)

		got, err := st.Get(ctx, rec.Token)
		require.NoError(t, err)
		assert.EqualValues(t, 0, got.Remaining)
		assert.EqualValues(t, 5, got.Consumed)

		_, err = st.Consume(ctx, "missing", 1)
		assert.ErrorIs(t, err, tokengate.ErrTokenNotExists)
	})

	t.Run("count", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "metered"})
		require.NoError(t, err)
		assert.True(t, rec.Count)
		assert.EqualValues(t, 0, rec.Limit)

		total, err := st.Count(ctx, rec.Token, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 3, total)
		total, err = st.Count(ctx, rec.Token, 1000)
		require.NoError(t, err)
		assert.EqualValues(t, 1003, total)

		_, err = st.Consume(ctx, rec.Token, 1)
		assert.ErrorIs(t, err, tokengate.ErrUsageLimit, "count-only tokens cannot be consumed")

		_, err = st.Count(ctx, "missing", 1)
		assert.ErrorIs(t, err, tokengate.ErrTokenNotExists)
	})

	t.Run("policies", func(t *testing.T) {
		st := newStore(t, contractPolicies)

		_, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "gold"})
		assert.ErrorIs(t, err, tokengate.ErrPolicy)

		_, err = st.Create(ctx, tokengate.Identity{OwnerID: "alice"})
		assert.ErrorIs(t, err, tokengate.ErrPolicy, "no policy and no default")

		withDefault := newStore(t, contractPolicies, store.WithDefaultPolicy("bulk"))
		rec, err := withDefault.Create(ctx, tokengate.Identity{OwnerID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "bulk", rec.PolicyName)
		assert.EqualValues(t, 50, rec.Remaining)
	})

	t.Run("max tokens", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		alice := tokengate.Identity{OwnerID: "alice", PolicyName: "free"}

		first, err := st.Create(ctx, alice)
		require.NoError(t, err)
		_, err = st.Create(ctx, alice)
		require.NoError(t, err)

		_, err = st.Create(ctx, alice)
		require.ErrorIs(t, err, tokengate.ErrPolicy)
		assert.Equal(t, tokengate.KindPolicy, tokengate.KindOf(err))

		_, err = st.Create(ctx, tokengate.Identity{OwnerID: "bob", PolicyName: "free"})
		assert.NoError(t, err)

		require.NoError(t, st.Delete(ctx, first.Token))
		_, err = st.Create(ctx, alice)
		assert.NoError(t, err)
	})

	t.Run("list by owner", func(t *testing.T) {
		st := newStore(t, contractPolicies)

		none, err := st.GetByOwnerID(ctx, "alice")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)

		var want []string
		for i := 0; i < 3; i++ {
			rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "bulk"})
			require.NoError(t, err)
			want = append(want, rec.Token)
		}
		_, err = st.Create(ctx, tokengate.Identity{OwnerID: "bob", PolicyName: "bulk"})
		require.NoError(t, err)

		recs, err := st.GetByOwnerID(ctx, "alice")
		require.NoError(t, err)
		var got []string
		for _, r := range recs {
			assert.Equal(t, "alice", r.OwnerID)
			got = append(got, r.Token)
		}
		assert.Equal(t, want, got)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "bulk"})
		require.NoError(t, err)
		keep, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "bulk"})
		require.NoError(t, err)

		require.NoError(t, st.Delete(ctx, rec.Token))
		assert.ErrorIs(t, st.Delete(ctx, rec.Token), tokengate.ErrTokenNotExists)

		got, err := st.Get(ctx, rec.Token)
		require.NoError(t, err)
		assert.Nil(t, got)

		recs, err := st.GetByOwnerID(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, keep.Token, recs[0].Token)

		_, err = st.Consume(ctx, rec.Token, 1)
		assert.ErrorIs(t, err, tokengate.ErrTokenNotExists)
	})

	t.Run("concurrent consume never overspends", func(t *testing.T) {
		st := newStore(t, contractPolicies)
		rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "alice", PolicyName: "bulk"})
		require.NoError(t, err)

		var ok, limited atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Consume(ctx, rec.Token, 1)
				switch {
				case err == nil:
					ok.Add(1)
				case tokengate.KindOf(err) == tokengate.KindUsageLimit:
					limited.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 50, ok.Load())
		assert.EqualValues(t, 30, limited.Load())
		got, err := st.Get(ctx, rec.Token)
		require.NoError(t, err)
		assert.EqualValues(t, 0, got.Remaining)
		assert.EqualValues(t, 50, got.Consumed)
	})
}
