// Package testutil 提供測試用的共用工具
//
//   - Redis 測試容器（testcontainers）
//   - 記錄收到訊息的假 socket
//   - 等待非同步結果的輔助函數
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Logger 測試時只顯示錯誤
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// RedisEnvironment 封裝 Redis 測試容器
type RedisEnvironment struct {
	Client *redis.Client
	Addr   string
}

// StartRedis 啟動 Redis 容器，測試結束時自動清理
//
// -short 模式下跳過，避免在沒有 Docker 的環境失敗。
//
//	func TestSomething(t *testing.T) {
//	    env := testutil.StartRedis(t)
//	    // 使用 env.Client
//	}
func StartRedis(t testing.TB) *RedisEnvironment {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	t.Cleanup(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return &RedisEnvironment{Client: client, Addr: endpoint}
}

// Flush 清空資料
func (env *RedisEnvironment) Flush(t testing.TB) {
	t.Helper()
	if err := env.Client.FlushAll(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}
