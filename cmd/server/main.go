package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-realtime-groups/internal/config"
	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/events"
	"github.com/koopa0/system-design/14-realtime-groups/internal/matchmaking"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	"github.com/koopa0/system-design/14-realtime-groups/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-groups/internal/relay"
	"github.com/koopa0/system-design/14-realtime-groups/internal/router"
	"github.com/koopa0/system-design/14-realtime-groups/internal/server"
	"github.com/koopa0/system-design/14-realtime-groups/internal/spatial"
	"github.com/koopa0/system-design/14-realtime-groups/internal/statesync"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	"github.com/koopa0/system-design/14-realtime-groups/internal/transport/websocket"
	"github.com/koopa0/system-design/14-realtime-groups/internal/udp"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行參數
	flags := pflag.NewFlagSet("realtime-groups", pflag.ContinueOnError)
	var (
		configPath = flags.StringP("config", "c", "", "YAML 設定檔路徑")
		port       = flags.IntP("port", "p", 0, "HTTP/WebSocket 端口（覆蓋設定檔）")
		logLevel   = flags.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flags.String("log-format", "", "日誌格式 (text, json)")
		debug      = flags.Bool("debug", false, "強制 debug 日誌")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// .env 不存在時沿用現有環境變數
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("載入設定失敗: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定無效: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.Debug,
		Debug:     cfg.Log.Debug,
	})
	if err != nil {
		return fmt.Errorf("建立日誌失敗: %w", err)
	}
	if envErr != nil {
		log.Debug("沒有 .env 檔案，使用環境變數")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	return app.serve(ctx)
}

// app 組合好的所有元件
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis   *redis.Client
	nats    *nats.Conn
	store   store.Store
	relay   *relay.Relay
	hub     *websocket.Hub
	mm      *matchmaking.Matchmaker
	syncs   *statesync.Manager
	udp     *udp.Server
	httpSrv *http.Server
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("realtime_groups")
	}

	if cfg.Store.Driver == "redis" || cfg.Relay.Bus == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
		}
	}

	if cfg.Events.NATSURL != "" {
		conn, err := nats.Connect(
			cfg.Events.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.PingInterval(20*time.Second),
		)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
		}
		a.nats = conn
	}

	// 共享儲存
	if cfg.Store.Driver == "redis" {
		a.store = store.NewRedisStore(a.redis, log)
	} else {
		a.store = store.NewMemoryStore()
	}

	// 轉送匯流排
	var bus relay.Bus
	switch cfg.Relay.Bus {
	case "redis":
		bus = relay.NewRedisBus(a.redis)
	case "nats":
		bus = relay.NewNATSBus(a.nats)
	default:
		bus = relay.NewMemoryBus()
	}

	eventBus := events.NewBus(log)
	if a.nats != nil {
		eventBus.AddForwarder(events.NewNATSForwarder(a.nats, cfg.Events.Topic))
	}

	a.relay = relay.New(bus, log, relay.WithMetrics(m))
	rt := router.New(a.relay, a.relay.OriginID(), log)
	a.relay.SetHandler(rt)

	groups := protocol.NewServer(a.store, a.relay, eventBus, log)
	rt.Register(envelope.NamespaceGroup, groups)
	if cfg.Group.LeaveOnClose {
		rt.OnClose(groups.HandleClose)
	}

	if cfg.Matchmaking.Enabled {
		a.mm = matchmaking.New(a.store, groups, a.relay, eventBus, log, matchmaking.Options{
			LobbySize:      cfg.Matchmaking.LobbySize,
			Interval:       cfg.Matchmaking.Interval,
			ConfirmTimeout: cfg.Matchmaking.ConfirmTimeout,
			DisbandGrace:   cfg.Matchmaking.DisbandGrace,
		}, matchmaking.WithMetrics(m))

		a.syncs = statesync.NewManager(a.store, a.relay, a.mm, eventBus, log, statesync.Options{
			Hertz:                cfg.StateSync.Hertz,
			Duration:             cfg.StateSync.Duration,
			UpdatesViaUDP:        cfg.StateSync.UpdatesViaUDP,
			CalculateDistance:    cfg.StateSync.CalculateDistance,
			MaxDistancePerSecond: cfg.StateSync.MaxDistancePerSecond,
		}, statesync.WithMetrics(m))
		a.mm.SetStateHandler(a.syncs)
		rt.Register(envelope.NamespaceRoom, a.mm)

		if cfg.UDP.Enabled {
			a.udp = udp.NewServer(a.syncs, log, udp.Options{
				Addr:        cfg.UDPAddr(),
				Codec:       cfg.UDP.Codec,
				IdleTimeout: cfg.UDP.IdleTimeout,
			}, udp.WithMetrics(m))
			a.syncs.SetSecondary(a.udp)
		}
	}

	if cfg.Spatial.Enabled {
		vgs, err := spatial.NewServer(a.store, groups, a.relay, spatial.Grid{
			Size:    cfg.Spatial.GridSize,
			Unity3D: cfg.Spatial.Unity3D,
		}, log)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := vgs.Open(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("預熱格群組失敗: %w", err)
		}
		rt.Register(envelope.NamespaceVector, vgs)
		rt.OnClose(vgs.HandleClose)
	}

	if err := a.relay.Open(ctx); err != nil {
		a.close()
		return nil, err
	}
	if a.mm != nil {
		if err := a.mm.Open(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("建立配對佇列失敗: %w", err)
		}
	}

	a.hub = websocket.NewHub(a.relay, log, websocket.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	})

	deps := server.Deps{
		OriginID:   a.relay.OriginID(),
		WebSocket:  a.hub,
		Relay:      a.relay,
		Membership: a.store,
	}
	if a.mm != nil {
		deps.Queue = a.mm
		deps.Syncs = a.syncs.Active
	}
	if a.udp != nil {
		deps.UDPPeers = a.udp.Peers
	}
	if m != nil {
		deps.Metrics = m.Handler()
	}

	a.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      server.NewHandler(deps, log).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// serve 啟動所有服務，收到信號或任一服務失敗時優雅關閉
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.mm != nil {
		if err := a.mm.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		a.logger.Info("即時群組伺服器啟動",
			"addr", a.httpSrv.Addr,
			"origin_id", a.relay.OriginID(),
			"store", a.cfg.Store.Driver,
			"bus", a.cfg.Relay.Bus)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 伺服器失敗: %w", err)
		}
		return nil
	})

	if a.udp != nil {
		g.Go(func() error {
			return a.udp.Serve(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()

		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP 伺服器關閉失敗", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("服務器已關閉")
	return err
}

// close 依建立的反順序釋放資源
func (a *app) close() {
	if a.mm != nil {
		a.mm.Stop()
	}
	if a.syncs != nil {
		a.syncs.Stop()
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("關閉轉送層失敗", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("關閉共享儲存失敗", "error", err)
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
