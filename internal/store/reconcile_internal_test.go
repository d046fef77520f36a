package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 模擬兩步寫入中間崩潰後留下的不一致
func TestMemoryStore_ReconcileRepairsHalfWrites(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	g, err := st.CreateGroup(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Join(ctx, g, "c:ok"))

	// 只寫了群組那一側
	st.groups[g].members = append(st.groups[g].members, "c:half")
	// 只寫了客戶端那一側
	st.clients["c:dangling"] = []string{g}
	// 指向已刪除群組
	st.clients["c:ok"] = append(st.clients["c:ok"], "g:gone")

	report, err := st.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.RestoredRefs)
	assert.Equal(t, 2, report.DroppedRefs)
	assert.False(t, report.Consistent())

	groups, err := st.GroupsOf(ctx, "c:half")
	require.NoError(t, err)
	assert.Equal(t, []string{g}, groups)

	groups, err = st.GroupsOf(ctx, "c:dangling")
	require.NoError(t, err)
	assert.Empty(t, groups)

	groups, err = st.GroupsOf(ctx, "c:ok")
	require.NoError(t, err)
	assert.Equal(t, []string{g}, groups)

	again, err := st.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, again.Consistent())
}
