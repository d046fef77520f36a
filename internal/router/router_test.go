package router_test

import (
	"context"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (s *captureSender) Send(ctx context.Context, clientID string, msg []byte) (relay.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][][]byte)
	}
	s.sent[clientID] = append(s.sent[clientID], msg)
	return relay.ModeLocal, nil
}

type captureHandler struct {
	got []router.Message
}

func (h *captureHandler) Handle(ctx context.Context, msg router.Message) {
	h.got = append(h.got, msg)
}

func TestRouter_HandleMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		validate func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string)
	}{
		{
			name: "connected replies with identity",
			data: `{"type":"internal","header":"CONNECTED","content":{"clientId":"c:1"}}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				require.Len(t, sender.sent["c:1"], 1)
				env, err := envelope.Parse(sender.sent["c:1"][0])
				require.NoError(t, err)
				assert.Equal(t, envelope.HeaderConnected, env.Header)
				assert.JSONEq(t, `{"clientId":"c:1","originId":"o:test"}`, string(env.Content))
			},
		},
		{
			name: "group header goes to group handler",
			data: `{"type":"internal","header":"GS:JOIN","content":{"groupId":"g:1"}}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				require.Len(t, group.got, 1)
				assert.Equal(t, envelope.GroupJoin, group.got[0].Header)
				assert.Equal(t, "c:1", group.got[0].ClientID)
				assert.Empty(t, room.got)
			},
		},
		{
			name: "room header goes to room handler",
			data: `{"type":"internal","header":"RGS:SEARCH"}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				require.Len(t, room.got, 1)
				assert.Empty(t, group.got)
			},
		},
		{
			name: "unknown header dropped",
			data: `{"type":"internal","header":"GS:EXPLODE"}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Empty(t, group.got)
				assert.Empty(t, room.got)
			},
		},
		{
			name: "server-only header from client dropped",
			data: `{"type":"internal","header":"RGS:START","content":{}}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Empty(t, room.got)
			},
		},
		{
			name: "namespace without handler dropped",
			data: `{"type":"internal","header":"VGS:POSITION","content":{}}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Empty(t, group.got)
				assert.Empty(t, room.got)
			},
		},
		{
			name: "application message goes to app handler",
			data: `{"type":"chat","content":"hi"}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Equal(t, []string{"chat"}, apps)
			},
		},
		{
			name: "malformed json dropped",
			data: `not json`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Empty(t, sender.sent)
				assert.Empty(t, apps)
			},
		},
		{
			name: "internal without header dropped",
			data: `{"type":"internal","content":{}}`,
			validate: func(t *testing.T, sender *captureSender, group, room *captureHandler, apps []string) {
				assert.Empty(t, group.got)
				assert.Empty(t, room.got)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &captureSender{}
			group := &captureHandler{}
			room := &captureHandler{}
			var apps []string

			r := router.New(sender, "o:test", testutil.Logger())
			r.Register(envelope.NamespaceGroup, group)
			r.Register(envelope.NamespaceRoom, room)
			r.SetAppHandler(func(ctx context.Context, clientID string, env *envelope.Envelope) {
				apps = append(apps, env.Type)
			})

			r.HandleMessage(context.Background(), "c:1", []byte(tt.data))
			tt.validate(t, sender, group, room, apps)
		})
	}
}

func TestRouter_HandleCloseRunsInOrder(t *testing.T) {
	r := router.New(&captureSender{}, "o:test", testutil.Logger())

	var order []string
	r.OnClose(func(ctx context.Context, clientID string) { order = append(order, "first:"+clientID) })
	r.OnClose(func(ctx context.Context, clientID string) { order = append(order, "second:"+clientID) })

	r.HandleClose(context.Background(), "c:9")
	assert.Equal(t, []string{"first:c:9", "second:c:9"}, order)
}

func TestRouter_ClientCannotRaiseClose(t *testing.T) {
	r := router.New(&captureSender{}, "o:test", testutil.Logger())

	called := false
	r.OnClose(func(ctx context.Context, clientID string) { called = true })

	r.HandleMessage(context.Background(), "c:1", []byte(`{"type":"internal","header":"CLOSE"}`))
	assert.False(t, called)
}
