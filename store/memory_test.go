package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokengate "github.com/jassus213/go-token-gate"
	"github.com/jassus213/go-token-gate/store"
)

func TestMemoryStore(t *testing.T) {
	runContract(t, func(_ *testing.T, opts ...store.Option) tokengate.Store {
		return store.NewMemory(opts...)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.WithPolicies(tokengate.Policy{Name: "free", Limit: 3}))
	rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "free", Attributes: map[string]string{"k": "v"}})
	require.NoError(t, err)

	rec.Remaining = 100
	rec.Attributes["k"] = "changed"

	got, err := st.Get(ctx, rec.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Remaining)
	assert.Equal(t, "v", got.Attributes["k"])
}

func TestMemoryStore_SetPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	_, err := st.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "late"})
	require.ErrorIs(t, err, tokengate.ErrPolicy)

	st.SetPolicy(tokengate.Policy{Name: "late", Limit: 7})
	rec, err := st.Create(ctx, tokengate.Identity{OwnerID: "o", PolicyName: "late"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, rec.Limit)

	// Replacing a policy leaves issued tokens alone.
	st.SetPolicy(tokengate.Policy{Name: "late", Limit: 1})
	got, err := st.Get(ctx, rec.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Remaining)
}
