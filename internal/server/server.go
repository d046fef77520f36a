// Package server 組合 HTTP 端點
//
//	GET  /ws                 WebSocket 升級
//	GET  /health             健康檢查
//	GET  /stats              本實例統計
//	GET  /groups/:id         群組成員
//	POST /admin/reconcile    修復雙向索引
//	GET  /metrics            Prometheus 指標
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/koopa0/system-design/14-realtime-groups/internal/store"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
)

// Membership 查詢與修復群組
type Membership interface {
	GetGroup(ctx context.Context, groupID string) (*store.GroupInfo, error)
	Reconcile(ctx context.Context) (*store.RepairReport, error)
}

// Queue 配對佇列
type Queue interface {
	QueueSize(ctx context.Context) (int, error)
	Pending() int
}

// Counter 回報數量的元件
type Counter interface {
	Count() int
}

// Deps HTTP 端點用到的元件，nil 的欄位對應的資訊不出現
type Deps struct {
	OriginID   string
	WebSocket  http.Handler
	Relay      Counter
	Membership Membership
	Queue      Queue
	Syncs      func() int
	UDPPeers   func() int
	Metrics    http.Handler
}

// Handler HTTP 請求處理器
type Handler struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{
		deps:    deps,
		logger:  logger.With("component", "http"),
		started: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	router := httprouter.New()
	router.PanicHandler = h.panicHandler

	if h.deps.WebSocket != nil {
		router.Handler(http.MethodGet, "/ws", h.deps.WebSocket)
	}
	router.GET("/health", h.logged(h.health))
	router.GET("/stats", h.logged(h.stats))
	if h.deps.Membership != nil {
		router.GET("/groups/:id", h.logged(h.group))
		router.POST("/admin/reconcile", h.logged(h.reconcile))
	}
	if h.deps.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", h.deps.Metrics)
	}
	return router
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.jsonResponse(w, map[string]any{
		"status":   "healthy",
		"originId": h.deps.OriginID,
		"time":     time.Now().Unix(),
	}, http.StatusOK)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := map[string]any{
		"originId": h.deps.OriginID,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	}
	if h.deps.Relay != nil {
		stats["connections"] = h.deps.Relay.Count()
	}
	if h.deps.Queue != nil {
		if n, err := h.deps.Queue.QueueSize(r.Context()); err == nil {
			stats["queueSize"] = n
		} else {
			h.logger.WarnContext(r.Context(), "讀取佇列大小失敗", "error", err)
		}
		stats["pendingMatches"] = h.deps.Queue.Pending()
	}
	if h.deps.Syncs != nil {
		stats["activeSyncs"] = h.deps.Syncs()
	}
	if h.deps.UDPPeers != nil {
		stats["udpPeers"] = h.deps.UDPPeers()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

func (h *Handler) group(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info, err := h.deps.Membership.GetGroup(r.Context(), ps.ByName("id"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"groupId":   info.ID,
		"createdAt": info.CreatedAt,
		"members":   info.Members,
	}, http.StatusOK)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report, err := h.deps.Membership.Reconcile(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "索引修復完成",
		"groups", report.GroupsScanned,
		"orphans", report.OrphanGroups,
		"restored", report.RestoredRefs,
		"dropped", report.DroppedRefs)
	h.jsonResponse(w, map[string]any{
		"consistent":     report.Consistent(),
		"groupsScanned":  report.GroupsScanned,
		"clientsScanned": report.ClientsScanned,
		"orphanGroups":   report.OrphanGroups,
		"restoredRefs":   report.RestoredRefs,
		"droppedRefs":    report.DroppedRefs,
	}, http.StatusOK)
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsNotFound(err):
		h.errorResponse(w, apperrors.Reason(err), http.StatusNotFound)
	case apperrors.IsValidation(err):
		h.errorResponse(w, apperrors.Reason(err), http.StatusBadRequest)
	case apperrors.IsUnavailable(err):
		h.logger.Warn("共享儲存不可用", "error", err)
		h.errorResponse(w, apperrors.Reason(err), http.StatusServiceUnavailable)
	default:
		h.logger.Error("處理請求失敗", "error", err)
		h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
	}
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// logged 日誌中間件
func (h *Handler) logged(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r, ps)

		h.logger.Debug("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

func (h *Handler) panicHandler(w http.ResponseWriter, r *http.Request, rec any) {
	h.logger.Error("處理請求時發生 panic",
		"error", rec,
		"method", r.Method,
		"path", r.URL.Path)
	h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
