package store_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	env := testutil.StartRedis(t)

	runStoreSuite(t, func(t *testing.T) store.Store {
		env.Flush(t)
		return store.NewRedisStore(env.Client, testutil.Logger())
	})
}

func TestRedisStore_Reconcile(t *testing.T) {
	env := testutil.StartRedis(t)
	st := store.NewRedisStore(env.Client, testutil.Logger())
	ctx := context.Background()

	g, err := st.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Join(ctx, g, "c:ok"))

	rdb := env.Client
	require.NoError(t, rdb.RPush(ctx, store.KeyGroupPrefix+g, "c:half").Err())
	require.NoError(t, rdb.RPush(ctx, store.KeyClientPrefix+"c:dangling", g).Err())
	require.NoError(t, rdb.RPush(ctx, store.KeyGroupPrefix+"g:orphan", "c:ghost").Err())
	require.NoError(t, rdb.RPush(ctx, store.KeyClientPrefix+"c:ghost", "g:orphan").Err())

	report, err := st.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanGroups)
	assert.Equal(t, 1, report.RestoredRefs)
	assert.Equal(t, 1, report.DroppedRefs)

	groups, err := st.GroupsOf(ctx, "c:half")
	require.NoError(t, err)
	assert.Equal(t, []string{g}, groups)

	groups, err = st.GroupsOf(ctx, "c:ghost")
	require.NoError(t, err)
	assert.Empty(t, groups)

	again, err := st.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, again.Consistent())
}

func TestRedisStore_GetGroupCleansCorruptedEntry(t *testing.T) {
	env := testutil.StartRedis(t)
	st := store.NewRedisStore(env.Client, testutil.Logger())
	ctx := context.Background()

	g, err := st.CreateGroup(ctx)
	require.NoError(t, err)

	// 成員清單被寫成錯誤型別
	require.NoError(t, env.Client.Set(ctx, store.KeyGroupPrefix+g, "garbage", 0).Err())

	_, err = st.GetGroup(ctx, g)
	assert.True(t, apperrors.IsNotFound(err))

	exists, err := env.Client.HExists(ctx, store.KeyDirectory, g).Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_ConfirmationTTL(t *testing.T) {
	env := testutil.StartRedis(t)
	st := store.NewRedisStore(env.Client, testutil.Logger())
	ctx := context.Background()

	_, err := st.Confirm(ctx, "g:m", "c:1")
	require.NoError(t, err)

	ttl, err := env.Client.TTL(ctx, store.KeyConfirmPrefix+"g:m").Result()
	require.NoError(t, err)
	assert.InDelta(t, store.ConfirmationTTL.Seconds(), ttl.Seconds(), 2)
}
