// Package udp 對局狀態的次要通道
//
// 系統設計問題：
//
//	每秒數十次的狀態推送走 WebSocket 會有隊頭阻塞，遺失一筆舊狀態卻無所謂。
//
// 設計方案：
//   - 每個來源位址是一個對端，第一次 UDP:CONN 時配發 u:<uuid>
//   - 資料報是一則完整的訊息（JSON，或設定為 CBOR）
//   - 握手與 ping 在這層回覆，其他控制訊息交給對局同步處理
//   - 閒置超過期限的對端定期清除
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-groups/internal/envelope"
	"github.com/koopa0/system-design/14-realtime-groups/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/codec"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/idgen"
	"github.com/koopa0/system-design/14-realtime-groups/pkg/result"
)

// 資料報編碼
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

const maxDatagram = 64 * 1024

// Handler 處理已握手對端送來的控制訊息
type Handler interface {
	HandleSecondary(ctx context.Context, udpID string, env *envelope.Envelope) error
}

// Options 伺服器設定
type Options struct {
	Addr        string
	Codec       string
	IdleTimeout time.Duration
}

type peer struct {
	id       string
	addr     *net.UDPAddr
	lastSeen time.Time
}

// Server UDP 伺服器
type Server struct {
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	conn *net.UDPConn

	mu     sync.RWMutex
	byAddr map[string]*peer
	byID   map[string]*peer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option 伺服器選項
type Option func(*Server)

// WithMetrics 設定指標
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer 創建伺服器，尚未監聽
func NewServer(h Handler, logger *slog.Logger, opts Options, options ...Option) *Server {
	if opts.Codec == "" {
		opts.Codec = CodecJSON
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	s := &Server{
		handler: h,
		logger:  logger.With("component", "udp"),
		opts:    opts,
		byAddr:  make(map[string]*peer),
		byID:    make(map[string]*peer),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Listen 綁定位址並開始讀取與清理
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("解析 UDP 位址失敗: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("監聽 UDP 失敗: %w", err)
	}
	s.conn = conn

	s.wg.Add(2)
	go s.readLoop()
	go s.cleanupLoop()

	s.logger.Info("UDP 伺服器啟動", "addr", conn.LocalAddr().String(), "codec", s.opts.Codec)
	return nil
}

// Serve 監聽直到 ctx 結束
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return s.Close()
}

// Addr 實際監聽的位址
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Close 停止伺服器
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.wg.Wait()
		s.logger.Info("UDP 伺服器關閉")
	})
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("讀取 UDP 資料報失敗", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handle(context.Background(), addr, data)
	}
}

func (s *Server) handle(ctx context.Context, addr *net.UDPAddr, data []byte) {
	raw, err := s.decode(data)
	if err != nil {
		s.logger.Debug("無法解碼資料報", "from", addr.String(), "error", err)
		return
	}
	env, err := envelope.Parse(raw)
	if err != nil {
		s.logger.Debug("資料報格式錯誤", "from", addr.String(), "error", err)
		return
	}
	if !env.IsInternal() {
		s.logger.Debug("略過非控制資料報", "from", addr.String(), "type", env.Type)
		return
	}

	switch env.Header {
	case envelope.UDPConn:
		p := s.register(addr)
		s.reply(addr, envelope.UDPConnAffirm, map[string]string{"udpId": p.id})
		return
	case envelope.UDPPing:
		if p := s.touch(addr); p == nil {
			return
		}
		s.reply(addr, envelope.UDPPing, "pong")
		return
	}

	p := s.touch(addr)
	if p == nil {
		s.logger.Debug("未握手的對端", "from", addr.String(), "header", env.Header)
		return
	}
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleSecondary(ctx, p.id, env); err != nil {
		s.logger.Debug("處理 UDP 訊息失敗", "udp_id", p.id, "header", env.Header, "error", err)
	}
}

func (s *Server) register(addr *net.UDPAddr) *peer {
	key := addr.String()

	s.mu.Lock()
	p, ok := s.byAddr[key]
	if ok {
		p.lastSeen = time.Now()
		s.mu.Unlock()
		return p
	}
	p = &peer{id: idgen.PeerID(), addr: addr, lastSeen: time.Now()}
	s.byAddr[key] = p
	s.byID[p.id] = p
	count := len(s.byID)
	s.mu.Unlock()

	s.metrics.UDPPeers(count)
	s.logger.Debug("新的 UDP 對端", "udp_id", p.id, "addr", key)
	return p
}

func (s *Server) touch(addr *net.UDPAddr) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byAddr[addr.String()]
	if !ok {
		return nil
	}
	p.lastSeen = time.Now()
	return p
}

func (s *Server) reply(addr *net.UDPAddr, header envelope.Header, content any) {
	msg, err := envelope.Internal(header, content)
	if err != nil {
		return
	}
	if err := s.write(addr, msg); err != nil {
		s.logger.Debug("回覆 UDP 失敗", "to", addr.String(), "error", err)
	}
}

// Send 送出訊息給對端，msg 為 JSON
func (s *Server) Send(ctx context.Context, udpID string, msg []byte) error {
	s.mu.RLock()
	p, ok := s.byID[udpID]
	s.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "udp peer not found").WithDetails(udpID)
	}
	return s.write(p.addr, msg)
}

// SendList 送出訊息給多個對端
func (s *Server) SendList(ctx context.Context, udpIDs []string, msg []byte) []result.Result[string] {
	return result.Collect(udpIDs, func(id string) error {
		return s.Send(ctx, id, msg)
	})
}

func (s *Server) write(addr *net.UDPAddr, msg []byte) error {
	data, err := s.encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "udp write failed")
	}
	return nil
}

func (s *Server) decode(data []byte) ([]byte, error) {
	if s.opts.Codec == CodecCBOR {
		return codec.ToJSON(data)
	}
	return data, nil
}

func (s *Server) encode(msg []byte) ([]byte, error) {
	if s.opts.Codec == CodecCBOR {
		return codec.FromJSON(msg)
	}
	return msg, nil
}

// Peers 目前的對端數
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup 移除閒置的對端（公開方法供測試使用）
func (s *Server) Cleanup() int {
	cutoff := time.Now().Add(-s.opts.IdleTimeout)

	s.mu.Lock()
	removed := 0
	for key, p := range s.byAddr {
		if p.lastSeen.Before(cutoff) {
			delete(s.byAddr, key)
			delete(s.byID, p.id)
			removed++
		}
	}
	count := len(s.byID)
	s.mu.Unlock()

	if removed > 0 {
		s.metrics.UDPPeers(count)
		s.logger.Debug("清除閒置 UDP 對端", "removed", removed)
	}
	return removed
}
