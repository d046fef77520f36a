// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// ClientIDKey 客戶端 ID 的上下文鍵
	ClientIDKey contextKey = "client_id"
	// GroupIDKey 群組 ID 的上下文鍵
	GroupIDKey contextKey = "group_id"
	// OriginIDKey 實例 ID 的上下文鍵
	OriginIDKey contextKey = "origin_id"
)

// Options 日誌設定
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // text, json
	Output    string // stdout, stderr 或檔案路徑
	AddSource bool
	Debug     bool // 為 true 時強制 debug 級別
}

// New 建立日誌記錄器
func New(opts Options) (*slog.Logger, error) {
	var output io.Writer
	switch opts.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - 路徑來自設定檔
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("開啟日誌檔失敗: %w", err)
		}
		output = file
	}

	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}

	return NewWithWriter(output, opts.Format, level, opts.AddSource), nil
}

// NewWithWriter 建立寫入指定 writer 的日誌記錄器
func NewWithWriter(w io.Writer, format string, level slog.Level, addSource bool) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{ClientIDKey, GroupIDKey, OriginIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithClientID 添加客戶端 ID 到上下文
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// WithGroupID 添加群組 ID 到上下文
func WithGroupID(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, GroupIDKey, groupID)
}

// WithOriginID 添加實例 ID 到上下文
func WithOriginID(ctx context.Context, originID string) context.Context {
	return context.WithValue(ctx, OriginIDKey, originID)
}

// Discard 不輸出任何內容的日誌記錄器
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
