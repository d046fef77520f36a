package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.in))
		})
	}
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "json", slog.LevelDebug, false).With("component", "relay")

	ctx := logger.WithClientID(context.Background(), "c:1")
	ctx = logger.WithGroupID(ctx, "g:1")
	log.InfoContext(ctx, "joined")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "c:1", record["client_id"])
	assert.Equal(t, "g:1", record["group_id"])
	assert.Equal(t, "relay", record["component"])
	assert.Equal(t, "joined", record["msg"])
}

func TestNew_DebugOverridesLevel(t *testing.T) {
	log, err := logger.New(logger.Options{Level: "error", Output: "stderr", Debug: true})
	require.NoError(t, err)

	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}
