package websocket_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	"github.com/koopa0/system-design/14-realtime-groups/internal/transport/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler 把收到的訊息原樣送回
type echoHandler struct {
	relay  *relay.Relay
	closed chan string
}

func (h *echoHandler) HandleMessage(ctx context.Context, clientID string, data []byte) {
	_, _ = h.relay.Send(ctx, clientID, data)
}

func (h *echoHandler) HandleClose(ctx context.Context, clientID string) {
	select {
	case h.closed <- clientID:
	default:
	}
}

func setup(t *testing.T) (*httptest.Server, *echoHandler) {
	t.Helper()

	r := relay.New(relay.NewMemoryBus(), testutil.Logger())
	h := &echoHandler{relay: r, closed: make(chan string, 1)}
	r.SetHandler(h)
	require.NoError(t, r.Open(context.Background()))

	hub := websocket.NewHub(r, testutil.Logger(), websocket.Options{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		_ = r.Close()
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *gorilla.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Parse(data)
	require.NoError(t, err)
	return env
}

func TestHub_ConnectedThenEcho(t *testing.T) {
	srv, _ := setup(t)
	conn := dial(t, srv)
	defer conn.Close()

	connected := readEnvelope(t, conn)
	assert.Equal(t, envelope.HeaderConnected, connected.Header)

	var body struct {
		ClientID string `json:"clientId"`
	}
	testutil.DecodeContent(t, connected, &body)
	assert.Regexp(t, `^c:`, body.ClientID)

	msg := `{"type":"chat","content":"hello"}`
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(msg)))

	echo := readEnvelope(t, conn)
	assert.Equal(t, "chat", echo.Type)
	assert.JSONEq(t, `"hello"`, string(echo.Content))
}

func TestHub_PreservesOrder(t *testing.T) {
	srv, _ := setup(t)
	conn := dial(t, srv)
	defer conn.Close()

	readEnvelope(t, conn)

	for i := range 20 {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "seq", "content": i}))
	}
	for i := range 20 {
		env := readEnvelope(t, conn)
		var n int
		testutil.DecodeContent(t, env, &n)
		assert.Equal(t, i, n)
	}
}

func TestHub_CloseRaisesDetach(t *testing.T) {
	srv, h := setup(t)
	conn := dial(t, srv)

	connected := readEnvelope(t, conn)
	var body struct {
		ClientID string `json:"clientId"`
	}
	testutil.DecodeContent(t, connected, &body)

	require.NoError(t, conn.Close())

	select {
	case id := <-h.closed:
		assert.Equal(t, body.ClientID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("CLOSE was not raised after the socket closed")
	}
}

func TestHub_ConcurrentConnectsGetDistinctIDs(t *testing.T) {
	srv, _ := setup(t)

	const n = 10
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := "ws" + strings.TrimPrefix(srv.URL, "http")
			conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()

			if !assert.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second))) {
				return
			}
			_, data, err := conn.ReadMessage()
			if !assert.NoError(t, err) {
				return
			}
			env, err := envelope.Parse(data)
			if !assert.NoError(t, err) {
				return
			}
			var body struct {
				ClientID string `json:"clientId"`
			}
			if assert.NoError(t, json.Unmarshal(env.Content, &body)) {
				ids <- body.ClientID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.Regexp(t, `^c:`, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
