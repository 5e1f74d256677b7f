package internal

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把房間狀態變更實時推送給桌面客戶端？
//
// 核心挑戰：
//   1. 實時通信：加入、離開、進度、勝負都要立即同步全房間
//   2. 連接管理：斷線視同離開，重連憑名稱接回進行中的比賽
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 濫用防護：進度與設定類事件各有獨立的速率上限
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ 連接識別碼 - 每條連接一個 UUID，與玩家身份解耦
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 異步發送（不阻塞房間操作）

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 配合 60s 讀取超時，留 6 秒余量
	maxMessageSize = 8 * 1024
	maxNameLength  = 50
	sendBufferSize = 256
)

// Gateway WebSocket 閘道
//
// 連接註冊表按連接識別碼存放（單層 map）：一條連接在加入房間
// 之前就存在，身份翻譯交給 Manager 的索引，閘道不重複維護
// 房間歸屬。
type Gateway struct {
	manager  *Manager
	limiter  *Limiter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn // 連接識別碼 -> 連接
}

// Conn 一條客戶端連接
type Conn struct {
	ID   string
	ws   *websocket.Conn
	send chan []byte
	gw   *Gateway

	// closed 與 send 的關閉在 closeMu 下同步：入隊方持鎖檢查
	// closed 再發送，關閉方持鎖設置 closed 再 close，
	// 保證不會往已關閉的通道發送。
	closeOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
}

// closeSend 關閉此連接的發送隊列（冪等）
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		close(c.send)
		c.closeMu.Unlock()
	})
}

// NewGateway 創建 WebSocket 閘道並接上 Manager 的自發事件投遞
func NewGateway(manager *Manager, limiter *Limiter, logger *slog.Logger) *Gateway {
	gw := &Gateway{
		manager: manager,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 桌面客戶端沒有瀏覽器同源語境，放行所有來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Conn),
	}
	manager.SetEmitter(gw)
	return gw
}

// ServeWS 處理 WebSocket 連接
func (gw *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		gw:   gw,
	}

	gw.mu.Lock()
	gw.conns[conn.ID] = conn
	gw.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	conn.enqueueEvent("connected", map[string]any{
		"connection_id": conn.ID,
	})

	gw.logger.Info("WebSocket 連接建立",
		"connection_id", conn.ID,
		"remote_addr", r.RemoteAddr)
}

// Deliver 投遞一批事件（實現 Emitter）
//
// 收件者以連接識別碼尋址；已消失的連接直接跳過（對應的
// player_left 已在斷線時廣播過）。
func (gw *Gateway) Deliver(ems []Emission) {
	if len(ems) == 0 {
		return
	}

	gw.mu.RLock()
	defer gw.mu.RUnlock()

	for _, em := range ems {
		payload, err := json.Marshal(em.Event)
		if err != nil {
			gw.logger.Error("序列化事件失敗", "event", em.Event.Name, "error", err)
			continue
		}
		for _, id := range em.To {
			conn, ok := gw.conns[id]
			if !ok {
				continue
			}
			select {
			case conn.send <- payload:
			default:
				// 緩衝區滿：跳過，不讓慢客戶端拖累整個房間
				gw.logger.Warn("連接緩衝區滿，丟棄事件",
					"connection_id", id,
					"event", em.Event.Name)
			}
		}
	}
}

// disconnect 連接終止的統一出口
//
// 斷線語義等同離開房間：Manager 決定是移除還是保留為斷線玩家，
// 產生的廣播照常投遞給房間裡的其他人。
func (gw *Gateway) disconnect(conn *Conn) {
	gw.mu.Lock()
	if current, ok := gw.conns[conn.ID]; !ok || current != conn {
		gw.mu.Unlock()
		return
	}
	delete(gw.conns, conn.ID)
	gw.mu.Unlock()

	conn.closeSend()

	ems, err := gw.manager.LeaveRoom(conn.ID)
	if err != nil && !IsKind(err, RejectNotInRoom) {
		gw.logger.Warn("斷線清理失敗", "connection_id", conn.ID, "error", err)
	}
	gw.Deliver(ems)
	gw.limiter.Forget(conn.ID)

	gw.logger.Info("WebSocket 連接關閉", "connection_id", conn.ID)
}

// Stop 關閉所有連接
func (gw *Gateway) Stop() {
	gw.mu.Lock()
	conns := make([]*Conn, 0, len(gw.conns))
	for _, conn := range gw.conns {
		conns = append(conns, conn)
	}
	gw.conns = make(map[string]*Conn)
	gw.mu.Unlock()

	for _, conn := range conns {
		conn.closeSend()
		conn.ws.Close()
	}

	gw.logger.Info("WebSocket 閘道已停止")
}

// ConnectionCount 當前連接數
func (gw *Gateway) ConnectionCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.conns)
}

// readPump 讀取客戶端消息
//
// 心跳機制（讀取端）：60 秒內沒有任何消息（包括 Pong）就關閉
// 連接；收到 Pong 重置超時。時間配合 writePump 的 54 秒 Ping，
// 留 6 秒余量給網絡傳輸。
func (c *Conn) readPump() {
	defer func() {
		c.gw.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.gw.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.gw.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.gw.manager.Touch(c.ID)
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gw.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.ID)
			}
			break
		}
		if messageType == websocket.TextMessage {
			c.gw.dispatch(c, message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 心跳機制（發送端）：每 54 秒發一次 Ping。54 而非整數是為了
// 避開常見代理服務器的 60 秒空閒超時。消息經緩衝 channel 異步
// 發送，房間操作永遠不會被慢客戶端阻塞。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.gw.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 閘道關閉了通道，優雅關閉連接
				deadline := time.Now().Add(time.Second)
				if err := c.ws.SetWriteDeadline(deadline); err == nil {
					_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.gw.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueueEvent 序列化並送入此連接的發送隊列
//
// 連接可能在任何時刻被對端或 Stop 關閉（例如升級後立刻斷線，
// 或停機時 readPump 還在處理 ping），送入前必須確認隊列仍開著。
func (c *Conn) enqueueEvent(name string, data any) {
	payload, err := json.Marshal(Event{Name: name, Data: data})
	if err != nil {
		c.gw.logger.Error("序列化事件失敗", "event", name, "error", err)
		return
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// envelope 入站消息外層
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// dispatch 解析並分派一條入站消息
//
// 流程：解信封 → 速率檢查 → 嚴格解碼載荷 → 交給 Manager →
// 投遞發射清單。任何拒絕都化為只發給本連接的 error 事件，
// 連接本身保持存活。
func (gw *Gateway) dispatch(conn *Conn, message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		gw.Deliver([]Emission{errorEmission(conn.ID, reject(RejectBadPayload, "無法解析消息"))})
		return
	}

	if class := limitClassFor(env.Event); class != "" && !gw.limiter.Allow(conn.ID, class) {
		gw.logger.Warn("事件超過速率上限",
			"connection_id", conn.ID,
			"event", env.Event)
		gw.Deliver([]Emission{errorEmission(conn.ID, reject(RejectRateLimited, "事件 %s 超過速率上限", env.Event))})
		return
	}

	ems, err := gw.handleEvent(conn, env)
	if err != nil {
		gw.Deliver([]Emission{errorEmission(conn.ID, err)})
		return
	}
	gw.Deliver(ems)
}

// handleEvent 按事件名稱路由
func (gw *Gateway) handleEvent(conn *Conn, env envelope) ([]Emission, error) {
	switch env.Event {
	case "create_room":
		var p createRoomPayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		name, err := validateDisplayName(p.DisplayName)
		if err != nil {
			return nil, err
		}
		return gw.manager.CreateRoom(conn.ID, name)

	case "join_room":
		var p joinRoomPayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		name, err := validateDisplayName(p.DisplayName)
		if err != nil {
			return nil, err
		}
		code, err := validateRoomCode(p.RoomCode)
		if err != nil {
			return nil, err
		}
		return gw.manager.JoinRoom(code, conn.ID, name)

	case "leave_room":
		var p leaveRoomPayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		return gw.manager.LeaveRoom(conn.ID)

	case "start_game":
		var p startGamePayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		return gw.manager.StartGame(conn.ID, p.Config)

	case "player_progress":
		var p progressPayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		if err := validatePageURL(p.PageURL); err != nil {
			return nil, err
		}
		return gw.manager.ReportProgress(conn.ID, p.PageURL, p.PageTitle)

	case "player_completed":
		var p completedPayload
		if err := decodeStrict(env.Data, &p); err != nil {
			return nil, err
		}
		return gw.manager.ReportCompletion(conn.ID)

	case "ping":
		var p pingPayload
		// 舊客戶端的 ping 不帶 data，解碼失敗沿用零值
		_ = decodeStrict(env.Data, &p)
		gw.manager.Touch(conn.ID)
		conn.enqueueEvent("pong", map[string]any{
			"timestamp": p.Timestamp,
		})
		return nil, nil

	default:
		gw.logger.Debug("收到未知事件",
			"event", env.Event,
			"connection_id", conn.ID)
		return nil, reject(RejectBadPayload, "未知事件: %s", env.Event)
	}
}

// decodeStrict 嚴格解碼載荷（拒絕未知欄位）
func decodeStrict(data json.RawMessage, out any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return reject(RejectBadPayload, "無法解析載荷: %v", err)
	}
	return nil
}

func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", reject(RejectBadPayload, "顯示名稱不能為空")
	}
	if len(name) > maxNameLength {
		return "", reject(RejectBadPayload, "顯示名稱過長（上限 %d 字符）", maxNameLength)
	}
	return name, nil
}

func validateRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != RoomCodeLength {
		return "", reject(RejectBadPayload, "房間代碼必須是 %d 個字母", RoomCodeLength)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", reject(RejectBadPayload, "房間代碼只能包含字母")
		}
	}
	return code, nil
}

func validatePageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return reject(RejectBadPayload, "頁面 URL 無效")
	}
	return nil
}
