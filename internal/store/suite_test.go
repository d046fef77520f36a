package store_test

import (
	"context"
	"slices"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertDualIndex 檢查 c ∈ members(g) ⇔ g ∈ groups(c)
func assertDualIndex(t *testing.T, st store.Membership, groupIDs, clientIDs []string) {
	t.Helper()
	ctx := context.Background()

	for _, g := range groupIDs {
		members, err := st.Members(ctx, g)
		require.NoError(t, err)
		for _, c := range clientIDs {
			groups, err := st.GroupsOf(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, slices.Contains(members, c), slices.Contains(groups, g),
				"dual index mismatch for group %s client %s", g, c)
		}
	}
}

// runStoreSuite 兩種實作共用的行為測試
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("round trip", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		assert.True(t, len(g) > 2 && g[:2] == "g:")

		require.NoError(t, st.Join(ctx, g, "c:1"))
		members, err := st.Members(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, []string{"c:1"}, members)

		info, err := st.GetGroup(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, []string{"c:1"}, info.Members)
		assert.False(t, info.CreatedAt.IsZero())

		require.NoError(t, st.Leave(ctx, g, "c:1"))
		members, err = st.Members(ctx, g)
		require.NoError(t, err)
		assert.Empty(t, members)

		groups, err := st.GroupsOf(ctx, "c:1")
		require.NoError(t, err)
		assert.NotContains(t, groups, g)
	})

	t.Run("no duplicate join", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Join(ctx, g, "c:1"))

		err = st.Join(ctx, g, "c:1")
		require.Error(t, err)
		assert.True(t, apperrors.IsAlreadyMember(err))

		members, err := st.Members(ctx, g)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("join unknown group", func(t *testing.T) {
		st := newStore(t)
		err := st.Join(context.Background(), "g:missing", "c:1")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("get unknown group", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetGroup(context.Background(), "g:missing")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("leave is idempotent", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		assert.NoError(t, st.Leave(ctx, g, "c:never"))
		assert.NoError(t, st.Leave(ctx, g, "c:never"))
	})

	t.Run("erase removes every back reference", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g1, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		g2, err := st.CreateGroup(ctx)
		require.NoError(t, err)

		clients := []string{"c:1", "c:2", "c:3"}
		for _, c := range clients {
			require.NoError(t, st.Join(ctx, g1, c))
		}
		require.NoError(t, st.Join(ctx, g2, "c:1"))

		require.NoError(t, st.Erase(ctx, g1))

		_, err = st.GetGroup(ctx, g1)
		assert.True(t, apperrors.IsNotFound(err))

		groups, err := st.GroupsOf(ctx, "c:1")
		require.NoError(t, err)
		assert.Equal(t, []string{g2}, groups)

		assertDualIndex(t, st, []string{g1, g2}, clients)
	})

	t.Run("bulk operations report partial failure", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Join(ctx, g, "c:2"))

		results := st.JoinMulti(ctx, g, []string{"c:1", "c:2", "c:3"})
		require.Len(t, results, 3)

		failed := result.Failures(results)
		require.Len(t, failed, 1)
		assert.Equal(t, "c:2", failed[0].Value)
		assert.True(t, apperrors.IsAlreadyMember(failed[0].Err))

		members, err := st.Members(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, []string{"c:2", "c:1", "c:3"}, members)

		results = st.LeaveMulti(ctx, g, []string{"c:1", "c:3"})
		assert.Empty(t, result.Failures(results))
		assertDualIndex(t, st, []string{g}, []string{"c:1", "c:2", "c:3"})
	})

	t.Run("dual index after mixed sequence", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		var groups []string
		for range 3 {
			g, err := st.CreateGroup(ctx)
			require.NoError(t, err)
			groups = append(groups, g)
		}
		clients := []string{"c:a", "c:b", "c:c", "c:d"}

		for i, c := range clients {
			require.NoError(t, st.Join(ctx, groups[i%3], c))
			require.NoError(t, st.Join(ctx, groups[(i+1)%3], c))
		}
		// a:{0,1} b:{1,2} c:{2,0} d:{0,1}
		require.NoError(t, st.Leave(ctx, groups[1], "c:a"))
		require.NoError(t, st.Erase(ctx, groups[2]))
		require.NoError(t, st.Join(ctx, groups[0], "c:b"))

		assertDualIndex(t, st, groups, clients)

		members, err := st.Members(ctx, groups[0])
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c:a", "c:c", "c:d", "c:b"}, members)
		bGroups, err := st.GroupsOf(ctx, "c:b")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{groups[1], groups[0]}, bGroups)

		report, err := st.Reconcile(ctx)
		require.NoError(t, err)
		assert.True(t, report.Consistent())
	})

	t.Run("is member", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx)
		require.NoError(t, err)
		require.NoError(t, st.Join(ctx, g, "c:1"))

		ok, err := st.IsMember(ctx, g, "c:1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.IsMember(ctx, g, "c:2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("confirmations", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		n, err := st.Confirm(ctx, "g:m", "c:1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = st.Confirm(ctx, "g:m", "c:1")
		assert.True(t, apperrors.IsDuplicate(err))

		n, err = st.Confirm(ctx, "g:m", "c:2")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, err := st.ConfirmationCount(ctx, "g:m")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, st.DeleteConfirmations(ctx, "g:m"))
		count, err = st.ConfirmationCount(ctx, "g:m")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("match states", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.PutState(ctx, "g:m", "c:1", []byte{0x01}))
		require.NoError(t, st.PutState(ctx, "g:m", "c:2", []byte{0x02}))
		require.NoError(t, st.PutState(ctx, "g:m", "c:1", []byte{0x03}))

		states, err := st.States(ctx, "g:m")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"c:1": {0x03}, "c:2": {0x02}}, states)

		require.NoError(t, st.RemoveState(ctx, "g:m", "c:2"))
		states, err = st.States(ctx, "g:m")
		require.NoError(t, err)
		assert.Len(t, states, 1)

		require.NoError(t, st.DeleteStates(ctx, "g:m"))
		states, err = st.States(ctx, "g:m")
		require.NoError(t, err)
		assert.Empty(t, states)
	})

	t.Run("cells", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		cell, err := st.CurrentCell(ctx, "c:1")
		require.NoError(t, err)
		assert.Empty(t, cell)

		require.NoError(t, st.SetCurrentCell(ctx, "c:1", "0:0:0"))
		cell, err = st.CurrentCell(ctx, "c:1")
		require.NoError(t, err)
		assert.Equal(t, "0:0:0", cell)

		require.NoError(t, st.ClearCurrentCell(ctx, "c:1"))
		cell, err = st.CurrentCell(ctx, "c:1")
		require.NoError(t, err)
		assert.Empty(t, cell)

		winner, err := st.ClaimCellGroup(ctx, "1:1:0", "g:first")
		require.NoError(t, err)
		assert.Equal(t, "g:first", winner)

		winner, err = st.ClaimCellGroup(ctx, "1:1:0", "g:second")
		require.NoError(t, err)
		assert.Equal(t, "g:first", winner)

		got, err := st.CellGroup(ctx, "1:1:0")
		require.NoError(t, err)
		assert.Equal(t, "g:first", got)

		// 只有仍指向該群組時才釋放
		require.NoError(t, st.ReleaseCellGroup(ctx, "1:1:0", "g:second"))
		got, err = st.CellGroup(ctx, "1:1:0")
		require.NoError(t, err)
		assert.Equal(t, "g:first", got)

		require.NoError(t, st.ReleaseCellGroup(ctx, "1:1:0", "g:first"))
		got, err = st.CellGroup(ctx, "1:1:0")
		require.NoError(t, err)
		assert.Empty(t, got)

		winner, err = st.ClaimCellGroup(ctx, "1:1:0", "g:second")
		require.NoError(t, err)
		assert.Equal(t, "g:second", winner)
	})
}
