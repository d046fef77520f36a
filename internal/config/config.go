// Package config 載入伺服器設定
//
// 來源優先順序（後者覆蓋前者）：
//  1. Default() 內建預設值
//  2. YAML 設定檔
//  3. 環境變數（.env 由 main 先載入）
//  4. 命令列參數（由 main 套用）
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Store struct {
		Driver string `yaml:"driver"` // "redis" 或 "memory"
	} `yaml:"store"`

	Relay struct {
		Engine         string `yaml:"engine"` // socket 後端，目前只有 "gorilla"
		Bus            string `yaml:"bus"`    // "redis"、"nats" 或 "memory"
		SendBuffer     int    `yaml:"send_buffer"`
		MaxMessageSize int64  `yaml:"max_message_size"`
	} `yaml:"relay"`

	Events struct {
		NATSURL string `yaml:"nats_url"`
		Topic   string `yaml:"topic"`
	} `yaml:"events"`

	Group struct {
		LeaveOnClose bool `yaml:"leave_on_close"`
	} `yaml:"group"`

	Matchmaking struct {
		Enabled        bool          `yaml:"enabled"`
		LobbySize      int           `yaml:"lobby_size"`
		Interval       time.Duration `yaml:"interval"`
		ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
		DisbandGrace   time.Duration `yaml:"disband_grace"`
	} `yaml:"matchmaking"`

	StateSync struct {
		Hertz                int           `yaml:"hertz"`
		Duration             time.Duration `yaml:"duration"`
		UpdatesViaUDP        bool          `yaml:"updates_via_udp"`
		CalculateDistance    bool          `yaml:"calculate_distance"`
		MaxDistancePerSecond float64       `yaml:"max_distance_per_second"`
	} `yaml:"statesync"`

	UDP struct {
		Enabled     bool          `yaml:"enabled"`
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port"`
		Codec       string        `yaml:"codec"` // "json" 或 "cbor"
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"udp"`

	Spatial struct {
		Enabled  bool `yaml:"enabled"`
		GridSize int  `yaml:"grid_size"`
		Unity3D  bool `yaml:"unity3d"`
	} `yaml:"spatial"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
		Debug  bool   `yaml:"debug"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Default 預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8443
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 3
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second

	cfg.Store.Driver = "redis"

	cfg.Relay.Engine = "gorilla"
	cfg.Relay.Bus = "redis"
	cfg.Relay.SendBuffer = 256
	cfg.Relay.MaxMessageSize = 64 * 1024

	cfg.Events.Topic = "merkury"

	cfg.Group.LeaveOnClose = true

	cfg.Matchmaking.Enabled = true
	cfg.Matchmaking.LobbySize = 3
	cfg.Matchmaking.Interval = 3200 * time.Millisecond
	cfg.Matchmaking.ConfirmTimeout = 2 * time.Minute
	cfg.Matchmaking.DisbandGrace = 250 * time.Millisecond

	cfg.StateSync.Hertz = 24
	cfg.StateSync.Duration = 10 * time.Minute
	cfg.StateSync.CalculateDistance = true
	cfg.StateSync.MaxDistancePerSecond = 50

	cfg.UDP.Host = "0.0.0.0"
	cfg.UDP.Port = 8444
	cfg.UDP.Codec = "json"
	cfg.UDP.IdleTimeout = 30 * time.Second

	cfg.Spatial.GridSize = 6

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	return cfg
}

// Load 讀取 YAML 設定檔並套用環境變數
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("讀取設定檔失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析設定檔失敗: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv 環境變數覆蓋（容器部署常用）
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT 不是數字: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("UDP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UDP_PORT 不是數字: %w", err)
		}
		c.UDP.Port = port
	}
	return nil
}

// Validate 檢查設定
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出範圍: %d", c.Server.Port))
	}
	switch c.Store.Driver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("不支援的 store.driver: %q", c.Store.Driver))
	}
	switch c.Relay.Bus {
	case "redis", "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("不支援的 relay.bus: %q", c.Relay.Bus))
	}
	if c.Relay.Bus == "nats" && c.Events.NATSURL == "" {
		errs = append(errs, errors.New("relay.bus=nats 需要 events.nats_url"))
	}
	if c.Relay.Engine != "gorilla" {
		errs = append(errs, fmt.Errorf("不支援的 relay.engine: %q", c.Relay.Engine))
	}
	if c.Matchmaking.LobbySize < 1 {
		errs = append(errs, fmt.Errorf("matchmaking.lobby_size 必須 >= 1: %d", c.Matchmaking.LobbySize))
	}
	if c.Matchmaking.Interval <= 0 {
		errs = append(errs, errors.New("matchmaking.interval 必須 > 0"))
	}
	if c.StateSync.Hertz <= 0 {
		errs = append(errs, fmt.Errorf("statesync.hertz 必須 > 0: %d", c.StateSync.Hertz))
	}
	if c.StateSync.Duration <= 0 {
		errs = append(errs, errors.New("statesync.duration 必須 > 0"))
	}
	if c.StateSync.UpdatesViaUDP && !c.UDP.Enabled {
		errs = append(errs, errors.New("statesync.updates_via_udp 需要 udp.enabled"))
	}
	switch c.UDP.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("不支援的 udp.codec: %q", c.UDP.Codec))
	}
	if c.Spatial.Enabled && (c.Spatial.GridSize <= 0 || c.Spatial.GridSize%2 != 0) {
		errs = append(errs, fmt.Errorf("spatial.grid_size 必須是正偶數: %d", c.Spatial.GridSize))
	}

	return errors.Join(errs...)
}

// HTTPAddr HTTP 監聽位址
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UDPAddr UDP 監聽位址
func (c *Config) UDPAddr() string {
	return fmt.Sprintf("%s:%d", c.UDP.Host, c.UDP.Port)
}
