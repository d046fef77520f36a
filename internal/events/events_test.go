package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	got []events.Event
	err error
}

func (f *recordingForwarder) Forward(ctx context.Context, e events.Event) error {
	f.got = append(f.got, e)
	return f.err
}

func TestBus_Emit(t *testing.T) {
	bus := events.NewBus(testutil.Logger())
	fwd := &recordingForwarder{}
	bus.AddForwarder(fwd)

	var started, other []events.Event
	bus.Subscribe(events.MatchStarted, func(ctx context.Context, e events.Event) { started = append(started, e) })
	bus.Subscribe(events.MatchEnded, func(ctx context.Context, e events.Event) { other = append(other, e) })

	bus.Emit(context.Background(), events.Event{Kind: events.MatchStarted, GroupID: "g:1"})

	require.Len(t, started, 1)
	assert.Equal(t, "g:1", started[0].GroupID)
	assert.False(t, started[0].At.IsZero(), "timestamp is filled in")
	assert.Empty(t, other)
	require.Len(t, fwd.got, 1)
}

func TestBus_PanicAndForwardFailureAreIsolated(t *testing.T) {
	bus := events.NewBus(testutil.Logger())
	bus.AddForwarder(&recordingForwarder{err: errors.New("nats down")})

	called := false
	bus.Subscribe(events.GroupLeft, func(ctx context.Context, e events.Event) { panic("boom") })
	bus.Subscribe(events.GroupLeft, func(ctx context.Context, e events.Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), events.Event{Kind: events.GroupLeft})
	})
	assert.True(t, called)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *events.Bus
	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), events.Event{Kind: events.GroupCreated})
	})
}

func TestNATSForwarder(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" || testing.Short() {
		t.Skip("NATS_URL not set")
	}

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()

	fwd := events.NewNATSForwarder(conn, "merkury-test")
	assert.Equal(t, "merkury-test.match.started", fwd.Subject(events.MatchStarted))

	sub, err := conn.SubscribeSync(fwd.Subject(events.MatchStarted))
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	require.NoError(t, fwd.Forward(context.Background(), events.Event{Kind: events.MatchStarted, GroupID: "g:1"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "g:1", got.GroupID)
}
