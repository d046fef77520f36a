package testutil

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/stretchr/testify/require"
)

// OpenRelay 在共用的匯流排上開啟一個轉送層，測試結束時關閉
func OpenRelay(t testing.TB, bus relay.Bus, h relay.Handler) *relay.Relay {
	t.Helper()

	r := relay.New(bus, Logger())
	if h != nil {
		r.SetHandler(h)
	}
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// Connect 連上 n 個假 socket，回傳客戶端 ID 與 socket
func Connect(t testing.TB, r *relay.Relay, n int) ([]string, []*Socket) {
	t.Helper()

	ids := make([]string, n)
	sockets := make([]*Socket, n)
	for i := range n {
		sockets[i] = NewSocket()
		ids[i] = r.Attach(context.Background(), sockets[i])
	}
	return ids, sockets
}
