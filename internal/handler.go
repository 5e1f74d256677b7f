package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Handler HTTP 請求處理器
//
// REST 面是 WebSocket 面的補充：房間可以先在 REST 創建或加入，
// 拿到連接識別碼後再帶著它的身份走 WebSocket 接收實時事件
// （以重連的方式憑名稱接上即可）。只讀端點給監控與大廳列表用。
type Handler struct {
	manager *Manager
	gateway *Gateway
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, gateway *Gateway, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		gateway: gateway,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 實時通道
	mux.HandleFunc("GET /ws", h.recoverer(h.gateway.ServeWS))

	// 房間管理 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_code}", wrap(h.getRoomDetail))
	mux.HandleFunc("POST /api/v1/rooms/{room_code}/join", wrap(h.joinRoom))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type createRoomRequest struct {
	DisplayName string `json:"display_name"`
}

type joinRoomRequest struct {
	DisplayName string `json:"display_name"`
}

// createRoom 創建房間
//
// REST 入口沒有 WebSocket 連接，先配一個佔位識別碼；
// 客戶端隨後開 WebSocket 並憑同名重連接管這個席位。
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, RejectBadPayload, "無效的請求格式", http.StatusBadRequest)
		return
	}

	name, err := validateDisplayName(req.DisplayName)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}

	connID := "rest_" + uuid.NewString()
	_, err = h.manager.CreateRoom(connID, name)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}

	snap, _ := h.manager.SnapshotByCode(h.roomCodeOf(connID))
	h.jsonResponse(w, map[string]any{
		"room_code":     snap.Code,
		"connection_id": connID,
		"state":         snap.State,
	}, http.StatusCreated)
}

// joinRoom 加入房間
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomCode := r.PathValue("room_code")

	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, RejectBadPayload, "無效的請求格式", http.StatusBadRequest)
		return
	}

	name, err := validateDisplayName(req.DisplayName)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}
	code, err := validateRoomCode(roomCode)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}

	connID := "rest_" + uuid.NewString()
	if _, err := h.manager.JoinRoom(code, connID, name); err != nil {
		h.rejectResponse(w, err)
		return
	}

	snap, err := h.manager.SnapshotByCode(code)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{
		"room_code":     snap.Code,
		"connection_id": connID,
		"room":          snap,
	}, http.StatusOK)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	state := GameState(query.Get("state"))

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total := h.manager.ListRooms(state, page, limit)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	code, err := validateRoomCode(r.PathValue("room_code"))
	if err != nil {
		h.rejectResponse(w, err)
		return
	}

	snap, err := h.manager.SnapshotByCode(code)
	if err != nil {
		h.rejectResponse(w, err)
		return
	}
	h.jsonResponse(w, snap, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	stats["connections"] = h.gateway.ConnectionCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

// roomCodeOf 查詢連接當前所在房間的代碼
func (h *Handler) roomCodeOf(connID string) string {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return h.manager.connRoom[connID]
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// rejectResponse 把拒絕轉為對應的 HTTP 狀態碼
func (h *Handler) rejectResponse(w http.ResponseWriter, err error) {
	kind, ok := KindOf(err)
	if !ok {
		h.errorResponse(w, "internal", err.Error(), http.StatusInternalServerError)
		return
	}
	h.errorResponse(w, kind, err.Error(), statusForKind(kind))
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, kind RejectKind, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"kind":  kind,
		"error": message,
	}, status)
}

// statusForKind 拒絕類別 → HTTP 狀態碼
func statusForKind(kind RejectKind) int {
	switch kind {
	case RejectRoomNotFound:
		return http.StatusNotFound
	case RejectBadPayload, RejectInvalidConfig:
		return http.StatusBadRequest
	case RejectRoomFull, RejectNameTaken, RejectRoomNotJoinable,
		RejectNotHost, RejectInsufficientPlayers,
		RejectGameNotActive, RejectGameAlreadyEnded:
		return http.StatusConflict
	case RejectRateLimited:
		return http.StatusTooManyRequests
	case RejectLockTimeout, RejectPageSelectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal", "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
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
