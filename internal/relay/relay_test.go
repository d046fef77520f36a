package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler 記錄上層收到的事件
type recordingHandler struct {
	mu       sync.Mutex
	messages map[string][][]byte
	closed   []string
	panicOn  string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messages: make(map[string][][]byte)}
}

func (h *recordingHandler) HandleMessage(ctx context.Context, clientID string, data []byte) {
	if h.panicOn != "" && string(data) == h.panicOn {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[clientID] = append(h.messages[clientID], data)
}

func (h *recordingHandler) HandleClose(ctx context.Context, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, clientID)
}

func (h *recordingHandler) received(clientID string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages[clientID]
}

func (h *recordingHandler) closedClients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

func openRelay(t *testing.T, bus relay.Bus) (*relay.Relay, *recordingHandler) {
	t.Helper()
	r := relay.New(bus, testutil.Logger())
	h := newRecordingHandler()
	r.SetHandler(h)
	require.NoError(t, r.Open(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r, h
}

func TestRelay_AttachQueuesConnected(t *testing.T) {
	r, h := openRelay(t, relay.NewMemoryBus())

	id := r.Attach(context.Background(), testutil.NewSocket())
	assert.Regexp(t, `^c:`, id)
	assert.True(t, r.Has(id))

	msgs := h.received(id)
	require.Len(t, msgs, 1)
	env, err := envelope.Parse(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.HeaderConnected, env.Header)
}

func TestRelay_DetachRaisesClose(t *testing.T) {
	r, h := openRelay(t, relay.NewMemoryBus())
	ctx := context.Background()

	id := r.Attach(ctx, testutil.NewSocket())
	r.Detach(ctx, id)
	r.Detach(ctx, id)

	assert.False(t, r.Has(id))
	assert.Equal(t, []string{id}, h.closedClients(), "CLOSE is raised exactly once")
}

func TestRelay_Send(t *testing.T) {
	bus := relay.NewMemoryBus()
	a, _ := openRelay(t, bus)
	b, _ := openRelay(t, bus)
	ctx := context.Background()

	socket := testutil.NewSocket()
	remoteID := b.Attach(ctx, socket)

	tests := []struct {
		name     string
		sender   *relay.Relay
		wantMode relay.Mode
	}{
		{name: "local delivery", sender: b, wantMode: relay.ModeLocal},
		{name: "relayed to peer instance", sender: a, wantMode: relay.ModeRelayed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			socket.Reset()

			mode, err := tt.sender.Send(ctx, remoteID, []byte(`{"type":"chat","content":1}`))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, mode)

			require.Eventually(t, func() bool {
				return len(socket.Messages()) == 1
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestRelay_SendUnknownClientNeverErrors(t *testing.T) {
	r, _ := openRelay(t, relay.NewMemoryBus())

	mode, err := r.Send(context.Background(), "c:nowhere", []byte("{}"))
	assert.NoError(t, err)
	assert.Equal(t, relay.ModeRelayed, mode)
}

func TestRelay_SendLocalFailure(t *testing.T) {
	r, _ := openRelay(t, relay.NewMemoryBus())
	socket := testutil.NewSocket()
	socket.FailWith(errors.New("broken pipe"))
	id := r.Attach(context.Background(), socket)

	_, err := r.Send(context.Background(), id, []byte("{}"))
	assert.True(t, apperrors.IsTransport(err))
}

func TestRelay_SendListIsolatesFailures(t *testing.T) {
	bus := relay.NewMemoryBus()
	a, _ := openRelay(t, bus)
	b, _ := openRelay(t, bus)
	ctx := context.Background()

	good := testutil.NewSocket()
	bad := testutil.NewSocket()
	bad.FailWith(errors.New("broken pipe"))
	remote := testutil.NewSocket()

	goodID := a.Attach(ctx, good)
	badID := a.Attach(ctx, bad)
	remoteID := b.Attach(ctx, remote)

	results := a.SendList(ctx, []string{goodID, badID, remoteID, "c:gone"}, []byte(`{"n":1}`))
	require.Len(t, results, 4)

	failed := result.Failures(results)
	require.Len(t, failed, 1)
	assert.Equal(t, badID, failed[0].Value)

	assert.Len(t, good.Messages(), 1)
	require.Eventually(t, func() bool { return len(remote.Messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelay_Broadcast(t *testing.T) {
	r, _ := openRelay(t, relay.NewMemoryBus())
	ctx := context.Background()

	sockets := []*testutil.Socket{testutil.NewSocket(), testutil.NewSocket(), testutil.NewSocket()}
	for _, s := range sockets {
		r.Attach(ctx, s)
	}

	assert.Equal(t, 3, r.Broadcast([]byte("hi")))
	for _, s := range sockets {
		assert.Len(t, s.Messages(), 1)
	}
}

func TestRelay_BroadcastGlobal(t *testing.T) {
	tests := []struct {
		name       string
		toSelf     bool
		wantSender int
	}{
		{name: "skip sender instance", toSelf: false, wantSender: 0},
		{name: "include sender instance", toSelf: true, wantSender: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := relay.NewMemoryBus()
			a, _ := openRelay(t, bus)
			b, _ := openRelay(t, bus)
			ctx := context.Background()

			onA := testutil.NewSocket()
			onB := testutil.NewSocket()
			a.Attach(ctx, onA)
			b.Attach(ctx, onB)

			a.BroadcastGlobal(ctx, []byte("all"), tt.toSelf)

			require.Eventually(t, func() bool { return len(onB.Messages()) == 1 }, time.Second, 5*time.Millisecond)
			// 給發送端一點時間處理自己的訊息
			time.Sleep(20 * time.Millisecond)
			assert.Len(t, onA.Messages(), tt.wantSender)
		})
	}
}

func TestRelay_HandlerPanicIsRecovered(t *testing.T) {
	r, h := openRelay(t, relay.NewMemoryBus())
	h.panicOn = "explode"
	ctx := context.Background()

	id := r.Attach(ctx, testutil.NewSocket())

	assert.NotPanics(t, func() {
		r.Receive(ctx, id, []byte("explode"))
	})
	r.Receive(ctx, id, []byte("fine"))
	assert.Len(t, h.received(id), 2, "CONNECTED and the message after the panic")
}

func TestRelay_CloseClosesSockets(t *testing.T) {
	r := relay.New(relay.NewMemoryBus(), testutil.Logger())
	require.NoError(t, r.Open(context.Background()))

	s := testutil.NewSocket()
	r.Attach(context.Background(), s)

	require.NoError(t, r.Close())
	assert.True(t, s.Closed())
	assert.Zero(t, r.Count())
	assert.NoError(t, r.Close(), "close is idempotent")
}
