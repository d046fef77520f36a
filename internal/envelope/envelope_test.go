package envelope_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		validate func(t *testing.T, env *envelope.Envelope, err error)
	}{
		{
			name: "internal with header",
			raw:  `{"type":"internal","header":"GS:JOIN","content":{"groupId":"g:1"}}`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				require.NoError(t, err)
				assert.True(t, env.IsInternal())
				assert.Equal(t, envelope.GroupJoin, env.Header)
				assert.True(t, env.HasContent())
			},
		},
		{
			name: "internal without header",
			raw:  `{"type":"internal","content":{}}`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
			},
		},
		{
			name: "application message passes through",
			raw:  `{"type":"chat","content":"hello"}`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				require.NoError(t, err)
				assert.False(t, env.IsInternal())
				assert.JSONEq(t, `"hello"`, string(env.Content))
			},
		},
		{
			name: "missing type",
			raw:  `{"content":1}`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				assert.True(t, apperrors.IsValidation(err))
			},
		},
		{
			name: "not json",
			raw:  `hello`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				assert.True(t, apperrors.IsValidation(err))
			},
		},
		{
			name: "missing content becomes null",
			raw:  `{"type":"internal","header":"GS:PING"}`,
			validate: func(t *testing.T, env *envelope.Envelope, err error) {
				require.NoError(t, err)
				assert.False(t, env.HasContent())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := envelope.Parse([]byte(tt.raw))
			tt.validate(t, env, err)
		})
	}
}

func TestDecode(t *testing.T) {
	env, err := envelope.Parse([]byte(`{"type":"internal","header":"GS:JOIN","content":{"groupId":"g:1"}}`))
	require.NoError(t, err)

	var body struct {
		GroupID string `json:"groupId"`
	}
	require.NoError(t, env.Decode(&body))
	assert.Equal(t, "g:1", body.GroupID)

	empty, err := envelope.Parse([]byte(`{"type":"internal","header":"GS:JOIN"}`))
	require.NoError(t, err)
	assert.True(t, apperrors.IsValidation(empty.Decode(&body)))
}

func TestHeaderNamespaces(t *testing.T) {
	tests := []struct {
		header envelope.Header
		ns     envelope.Namespace
	}{
		{envelope.HeaderClose, envelope.NamespaceRelay},
		{envelope.GroupBroadcast, envelope.NamespaceGroup},
		{envelope.GroupJoin.Notify(), envelope.NamespaceGroup},
		{envelope.RoomConfirm, envelope.NamespaceRoom},
		{envelope.VectorPosition, envelope.NamespaceVector},
		{envelope.UDPConnAffirm, envelope.NamespaceTransport},
		{envelope.Header("XX:NOPE"), envelope.NamespaceUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.header), func(t *testing.T) {
			assert.Equal(t, tt.ns, tt.header.Namespace())
		})
	}
}

func TestParseHeader(t *testing.T) {
	h, ok := envelope.ParseHeader("RGS:SEARCH")
	assert.True(t, ok)
	assert.Equal(t, envelope.RoomSearch, h)

	_, ok = envelope.ParseHeader("GS:JOIN:NOTIFY")
	assert.False(t, ok)

	assert.True(t, envelope.RoomStart.ServerOnly())
	assert.False(t, envelope.RoomConfirm.ServerOnly())
	assert.Len(t, envelope.HeadersOf(envelope.NamespaceGroup), 6)
}

func TestReplies(t *testing.T) {
	ok, err := envelope.Succeeded(envelope.GroupCreate, "g:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"internal","header":"GS:CREATE","content":{"successful":true,"groupId":"g:1"}}`, string(ok))

	failed, err := envelope.Failed(envelope.GroupJoin, apperrors.ErrMissingGroupID, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"internal","header":"GS:JOIN","content":{"failed":true,"error":"missing groupId"}}`, string(failed))

	plain, err := envelope.Failed(envelope.GroupJoin, errors.New("boom"), "g:2")
	require.NoError(t, err)
	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(plain, &env))
	assert.JSONEq(t, `{"failed":true,"error":"internal error","groupId":"g:2"}`, string(env.Content))
}

func TestForward(t *testing.T) {
	data, err := envelope.Forward(envelope.GroupBroadcast, "c:1", "g:1", json.RawMessage(`{"hi":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"internal","header":"GS:BROADCAST","content":{"hi":1},"from":"c:1","group":"g:1"}`, string(data))
}
