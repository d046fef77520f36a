package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_Expiry(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := st.Confirm(ctx, "g:m", "c:1")
	require.NoError(t, err)
	require.NoError(t, st.SetCurrentCell(ctx, "c:1", "0:0:0"))

	now = now.Add(store.ConfirmationTTL)
	count, err := st.ConfirmationCount(ctx, "g:m")
	require.NoError(t, err)
	assert.Zero(t, count, "confirmation record expires after its ttl")

	cell, err := st.CurrentCell(ctx, "c:1")
	require.NoError(t, err)
	assert.Equal(t, "0:0:0", cell, "cell ttl is longer than confirmation ttl")

	now = now.Add(store.CellTTL)
	cell, err = st.CurrentCell(ctx, "c:1")
	require.NoError(t, err)
	assert.Empty(t, cell)
}
