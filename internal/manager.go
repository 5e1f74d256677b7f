package internal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Emitter 事件投遞介面（由閘道實現）
//
// Manager 方法的回傳值已帶發射清單，由呼叫者自行投遞；
// 這個介面只給 Manager 自發的事件用：倒數結束的 game_started
// 沒有對應的入站請求，必須主動推給閘道。
type Emitter interface {
	Deliver(ems []Emission)
}

// roomHandle 房間表中的一個條目
//
// 鎖設計：不用裸的 map[string]*sync.Mutex（鍵表無界成長、
// 刪除與取鎖互相競態），而是把鎖、存活旗標與引用計數
// 綁在同一個句柄上：
//   - sem 是容量 1 的 channel 信號量，支援有界等待（鎖定逾時）
//   - gone 在房間移除時設置；等到鎖的人必須重查，避免對已刪除
//     的房間操作
//   - refs 追蹤在外的引用數
type roomHandle struct {
	code string
	room *Room
	sem  chan struct{}
	refs int
	gone bool
}

// lock 有界等待取得房間鎖
//
// 持鎖期間不做任何 I/O 是本套設計的鐵律；上限是對違規的防線，
// 等待者以 LockTimeout 拒絕收場，而不是無限期卡死。
func (h *roomHandle) lock(timeout time.Duration) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return reject(RejectLockTimeout, "等待房間 %s 的鎖逾時", h.code)
	}
}

func (h *roomHandle) unlock() {
	<-h.sem
}

// Manager 房間管理器
//
// 系統設計考量：
//
//  1. 鎖的分層：
//     - 索引鎖（mu）：保護 rooms 表、connRoom 索引與倒數計時表，
//     持有時間極短，從不跨越任何 I/O 或房間鎖等待
//     - 房間鎖（每個 roomHandle 一把）：線性化單一房間的所有變更，
//     無關房間之間完全並行
//     查找與取鎖是原子的一個單位：索引鎖涵蓋「翻譯連接 → 房間」
//     與引用取得，取得房間鎖後再重查存活旗標，杜絕查找與刪除
//     之間的競態窗口。
//
//  2. 所有狀態變更都經過 transition.go 的純轉換函數，Manager 本身
//     只負責鎖紀律、索引維護、倒數排程與鏡像排程。
//
//  3. 鏡像同步一律發生在釋放房間鎖之後：快照在鎖內取好，
//     鎖外交給 Mirror 的異步 worker。
type Manager struct {
	cfg      *Config
	logger   *slog.Logger
	selector PageSelector
	mirror   *Mirror
	emitter  Emitter
	now      func() time.Time

	mu         sync.Mutex
	rooms      map[string]*roomHandle
	connRoom   map[string]string // 連接識別碼 -> 房間代碼
	countdowns map[string]*time.Timer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 創建房間管理器並啟動廢棄房間回收
func NewManager(cfg *Config, selector PageSelector, mirror *Mirror, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		selector:   selector,
		mirror:     mirror,
		now:        time.Now,
		rooms:      make(map[string]*roomHandle),
		connRoom:   make(map[string]string),
		countdowns: make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}

	// 啟動回收 goroutine
	m.wg.Add(1)
	go m.reapLoop()

	return m
}

// SetEmitter 注入事件投遞者（閘道啟動時呼叫）
func (m *Manager) SetEmitter(e Emitter) {
	m.emitter = e
}

// CreateRoom 創建房間並讓創建者成為唯一玩家兼房主
//
// 房間代碼經碰撞檢查後保證唯一（碰撞即重試，而非盡力而為）。
func (m *Manager) CreateRoom(connID, displayName string) ([]Emission, error) {
	now := m.now()

	// 房間在插入表之前先組裝好，其他人看不見，不需要房間鎖
	room := NewRoom("", now)
	if _, err := applyJoin(room, connID, displayName, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if code, ok := m.connRoom[connID]; ok {
		m.mu.Unlock()
		return nil, reject(RejectRoomNotJoinable, "已在房間 %s 中", code)
	}
	code, err := m.generateCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	room.Code = code
	m.rooms[code] = &roomHandle{code: code, room: room, sem: make(chan struct{}, 1)}
	m.connRoom[connID] = code
	m.mu.Unlock()

	snap := room.Snapshot()
	m.mirror.Save(snap)
	m.logger.Info("房間已創建",
		"room_code", code,
		"host", strings.TrimSpace(displayName),
		"connection_id", connID)

	return []Emission{unicast(connID, "room_created", map[string]any{
		"room_code": code,
		"player":    snap.Players[0],
		"players":   snap.Players,
	})}, nil
}

// JoinRoom 加入（或重連）房間
//
// 與 CreateRoom 相同，一條連接同時只能屬於一個房間；重連走的是
// 新連接識別碼，不受此限。若放任二次加入，索引被改寫後舊房間會
// 留下一個永遠在線的幽靈玩家，回收機制再也碰不到它。
func (m *Manager) JoinRoom(roomCode, connID, displayName string) ([]Emission, error) {
	m.mu.Lock()
	if code, ok := m.connRoom[connID]; ok {
		m.mu.Unlock()
		return nil, reject(RejectRoomNotJoinable, "已在房間 %s 中", code)
	}
	m.mu.Unlock()

	h, err := m.acquireByCode(roomCode)
	if err != nil {
		return nil, err
	}

	// 重連會把斷線玩家的舊識別碼換成新的，索引需要同步解除
	var oldID string
	if p := h.room.PlayerByName(strings.TrimSpace(displayName)); p != nil && p.Status == ConnDisconnected {
		oldID = p.ConnectionID
	}

	ems, err := applyJoin(h.room, connID, displayName, m.now())
	if err != nil {
		m.release(h)
		return nil, err
	}

	m.mu.Lock()
	if oldID != "" {
		delete(m.connRoom, oldID)
	}
	m.connRoom[connID] = h.code
	m.mu.Unlock()

	snap := h.room.Snapshot()
	m.release(h)
	m.mirror.Save(snap)

	m.logger.Info("玩家加入房間",
		"room_code", h.code,
		"display_name", strings.TrimSpace(displayName),
		"connection_id", connID,
		"rejoin", oldID != "")
	return ems, nil
}

// LeaveRoom 玩家離開所在房間（主動離開與斷線共用）
//
// 離開後房間若已無任何玩家則就地移除，連鎖表條目一起釋放。
func (m *Manager) LeaveRoom(connID string) ([]Emission, error) {
	h, err := m.acquireByConn(connID)
	if err != nil {
		return nil, err
	}

	stateBefore := h.room.State
	ems, err := applyLeave(h.room, connID, m.now())
	if err != nil {
		m.release(h)
		return nil, err
	}

	m.mu.Lock()
	delete(m.connRoom, connID)
	// 倒數期間人數不足會退回 lobby，對應的計時器要跟著取消
	if stateBefore == StateStarting && h.room.State == StateLobby {
		if t, ok := m.countdowns[h.code]; ok {
			t.Stop()
			delete(m.countdowns, h.code)
		}
	}
	m.mu.Unlock()

	if len(h.room.Players) == 0 {
		m.removeLocked(h)
		m.release(h)
		m.logger.Info("房間已清空移除", "room_code", h.code)
		return ems, nil
	}

	snap := h.room.Snapshot()
	m.release(h)
	m.mirror.Save(snap)
	m.logger.Info("玩家離開房間", "room_code", h.code, "connection_id", connID)
	return ems, nil
}

// StartGame 房主發起開始比賽（lobby → starting，排程倒數）
//
// 頁面選擇失敗時轉換中止，房間保持在 lobby，錯誤只回給發起的房主。
func (m *Manager) StartGame(connID string, gameCfg GameConfig) ([]Emission, error) {
	h, err := m.acquireByConn(connID)
	if err != nil {
		return nil, err
	}

	if err := checkStart(h.room, connID, gameCfg); err != nil {
		m.release(h)
		return nil, err
	}

	start, end, err := m.selector.SelectPages(gameCfg)
	if err != nil {
		m.release(h)
		return nil, reject(RejectPageSelectionFailed, "頁面選擇失敗: %v", err)
	}

	ems, err := applyStart(h.room, connID, gameCfg, start, end, m.cfg.Game.Countdown.Std())
	if err != nil {
		m.release(h)
		return nil, err
	}

	code := h.code
	m.mu.Lock()
	m.countdowns[code] = time.AfterFunc(m.cfg.Game.Countdown.Std(), func() {
		m.beginPlay(code)
	})
	m.mu.Unlock()

	snap := h.room.Snapshot()
	m.release(h)
	m.mirror.Save(snap)

	m.logger.Info("比賽進入倒數",
		"room_code", code,
		"start_page", start.Title,
		"end_page", end.Title)
	return ems, nil
}

// beginPlay 倒數結束的回呼：starting → in_progress
//
// 倒數已被取消（房間退回 lobby）或房間已移除時靜默返回。
func (m *Manager) beginPlay(code string) {
	h, err := m.acquireByCode(code)
	if err != nil {
		return
	}

	m.mu.Lock()
	delete(m.countdowns, code)
	m.mu.Unlock()

	ems, err := applyBeginPlay(h.room, m.now())
	if err != nil {
		m.release(h)
		return
	}

	snap := h.room.Snapshot()
	m.release(h)
	m.mirror.Save(snap)

	m.logger.Info("比賽開始", "room_code", code)
	if m.emitter != nil {
		m.emitter.Deliver(ems)
	}
}

// ReportProgress 記錄玩家的頁面造訪進度
//
// 來自不在任何房間的連接（包含已被重連取代的舊連接）的進度
// 靜默丟棄：不回錯誤、不產生變更。
func (m *Manager) ReportProgress(connID, pageURL, pageTitle string) ([]Emission, error) {
	h, err := m.acquireByConn(connID)
	if err != nil {
		if IsKind(err, RejectNotInRoom) {
			m.logger.Debug("丟棄殘留連接的進度事件", "connection_id", connID)
			return nil, nil
		}
		return nil, err
	}

	ems, err := applyProgress(h.room, connID, pageURL, pageTitle, m.now())
	if err != nil {
		m.release(h)
		return nil, err
	}

	var snap RoomSnapshot
	if len(ems) > 0 {
		snap = h.room.Snapshot()
	}
	m.release(h)
	if len(ems) > 0 {
		m.mirror.Save(snap)
	}
	return ems, nil
}

// ReportCompletion 玩家宣告完賽
//
// 勝者由房間鎖的取得順序決定：第一個進來的把房間轉入 completed，
// 之後的拿到 GameAlreadyEnded。
func (m *Manager) ReportCompletion(connID string) ([]Emission, error) {
	h, err := m.acquireByConn(connID)
	if err != nil {
		if IsKind(err, RejectNotInRoom) {
			m.logger.Debug("丟棄殘留連接的完成事件", "connection_id", connID)
			return nil, nil
		}
		return nil, err
	}

	ems, err := applyCompletion(h.room, connID, m.now())
	if err != nil {
		m.release(h)
		return nil, err
	}

	var snap RoomSnapshot
	if len(ems) > 0 {
		snap = h.room.Snapshot()
	}
	m.release(h)
	if len(ems) > 0 {
		m.mirror.Save(snap)
		m.logger.Info("比賽結束", "room_code", h.code, "winner_connection_id", connID)
	}
	return ems, nil
}

// Touch 更新玩家的最後活動時間（心跳）
func (m *Manager) Touch(connID string) {
	h, err := m.acquireByConn(connID)
	if err != nil {
		return
	}
	if p, ok := h.room.Players[connID]; ok {
		p.LastActivityAt = m.now()
	}
	m.release(h)
}

// SnapshotByCode 取得房間快照
func (m *Manager) SnapshotByCode(roomCode string) (RoomSnapshot, error) {
	h, err := m.acquireByCode(roomCode)
	if err != nil {
		return RoomSnapshot{}, err
	}
	snap := h.room.Snapshot()
	m.release(h)
	return snap, nil
}

// ListRooms 列出房間摘要（可依狀態過濾，分頁）
func (m *Manager) ListRooms(state GameState, page, limit int) ([]map[string]any, int) {
	m.mu.Lock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	m.mu.Unlock()

	var filtered []RoomSnapshot
	for _, code := range codes {
		snap, err := m.SnapshotByCode(code)
		if err != nil {
			continue
		}
		if state != "" && snap.State != state {
			continue
		}
		filtered = append(filtered, snap)
	}

	total := len(filtered)
	start := (page - 1) * limit
	if start >= total {
		return []map[string]any{}, total
	}
	end := min(start+limit, total)

	result := make([]map[string]any, 0, end-start)
	for _, snap := range filtered[start:end] {
		active := 0
		for _, p := range snap.Players {
			if p.Status == ConnActive {
				active++
			}
		}
		result = append(result, map[string]any{
			"room_code":      snap.Code,
			"state":          snap.State,
			"player_count":   len(snap.Players),
			"active_players": active,
			"max_players":    MaxPlayersPerRoom,
			"created_at":     snap.CreatedAt,
		})
	}
	return result, total
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[GameState]int)
	totalPlayers := 0
	for _, h := range m.rooms {
		// 只讀近似值，不取房間鎖（健康端點不該被慢房間拖住）
		byState[h.room.State]++
		totalPlayers += len(h.room.Players)
	}
	return map[string]any{
		"total_rooms":        len(m.rooms),
		"total_players":      totalPlayers,
		"active_connections": len(m.connRoom),
		"by_state":           byState,
	}
}

// Restore 從鏡像恢復房間（啟動時、對外服務之前呼叫一次）
//
// 恢復的房間所有玩家一律為斷線狀態，等待憑名稱重連；
// EmptySince 即恢復時刻，無人認領就交給回收機制處理。
func (m *Manager) Restore(ctx context.Context) error {
	snaps, err := m.mirror.Restore(ctx, m.cfg.Redis.RestoreWithin.Std())
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}

	now := m.now()
	restored := 0
	m.mu.Lock()
	for _, s := range snaps {
		if _, exists := m.rooms[s.Code]; exists {
			continue
		}
		room := RestoreRoom(s, now)
		m.rooms[s.Code] = &roomHandle{code: s.Code, room: room, sem: make(chan struct{}, 1)}
		restored++
	}
	m.mu.Unlock()

	m.logger.Info("已從鏡像恢復房間", "count", restored)
	return nil
}

// reapLoop 定期回收廢棄房間
func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Game.ReapInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-m.stopCh:
			return
		}
	}
}

// Reap 回收掃描：先移走閒置玩家，再廢棄超過寬限期的無人房間
//
// 閒置移除走 applyLeave，語義與主動離開完全一致（保留斷線玩家、
// 房主轉移、倒數取消），之後仍可憑名稱重連。
func (m *Manager) Reap() {
	now := m.now()

	m.mu.Lock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	m.mu.Unlock()

	for _, code := range codes {
		h, err := m.acquireByCode(code)
		if err != nil {
			continue
		}
		r := h.room

		ems := m.sweepIdle(h, now)

		switch {
		case len(r.Players) == 0:
			m.removeLocked(h)
			m.release(h)
			m.logger.Info("房間已清空移除", "room_code", code)
		case r.ActiveCount() == 0 && !r.EmptySince.IsZero() &&
			now.Sub(r.EmptySince) >= m.cfg.Game.AbandonedAfter.Std():
			applyAbandon(r)
			m.removeLocked(h)
			m.release(h)
			m.logger.Info("房間已廢棄回收", "room_code", code)
		case len(ems) > 0:
			snap := r.Snapshot()
			m.release(h)
			m.mirror.Save(snap)
		default:
			m.release(h)
		}

		if len(ems) > 0 && m.emitter != nil {
			m.emitter.Deliver(ems)
		}
	}
}

// sweepIdle 把最後活動時間超過門檻的在線玩家移出房間
//
// 呼叫者持有房間鎖；回傳的發射清單由呼叫者在鎖外投遞。
func (m *Manager) sweepIdle(h *roomHandle, now time.Time) []Emission {
	r := h.room
	threshold := m.cfg.Game.InactiveAfter.Std()
	if r.State == StateInProgress {
		threshold = m.cfg.Game.InactiveInGameAfter.Std()
	}
	if threshold <= 0 {
		return nil
	}

	var ems []Emission
	for _, p := range r.orderedPlayers() {
		idle := now.Sub(p.LastActivityAt)
		if p.Status != ConnActive || idle < threshold {
			continue
		}

		stateBefore := r.State
		le, err := applyLeave(r, p.ConnectionID, now)
		if err != nil {
			continue
		}
		ems = append(ems, le...)

		m.mu.Lock()
		delete(m.connRoom, p.ConnectionID)
		if stateBefore == StateStarting && r.State == StateLobby {
			if t, ok := m.countdowns[h.code]; ok {
				t.Stop()
				delete(m.countdowns, h.code)
			}
		}
		m.mu.Unlock()

		m.logger.Warn("閒置玩家已移出房間",
			"room_code", h.code,
			"display_name", p.DisplayName,
			"connection_id", p.ConnectionID,
			"idle", idle.Round(time.Second).String())
	}
	return ems
}

// Stop 停止管理器
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	for code, t := range m.countdowns {
		t.Stop()
		delete(m.countdowns, code)
	}
	m.mu.Unlock()

	m.logger.Info("房間管理器已停止")
}

// acquireByCode 以房間代碼查找並鎖定房間
func (m *Manager) acquireByCode(roomCode string) (*roomHandle, error) {
	code := strings.ToUpper(strings.TrimSpace(roomCode))

	m.mu.Lock()
	h, ok := m.rooms[code]
	if !ok {
		m.mu.Unlock()
		return nil, reject(RejectRoomNotFound, "找不到房間: %s", code)
	}
	h.refs++
	m.mu.Unlock()

	if err := h.lock(m.cfg.Game.LockTimeout.Std()); err != nil {
		m.unref(h)
		return nil, err
	}
	if h.gone {
		h.unlock()
		m.unref(h)
		return nil, reject(RejectRoomNotFound, "找不到房間: %s", code)
	}
	return h, nil
}

// acquireByConn 以連接識別碼翻譯到所在房間並鎖定
//
// 翻譯與引用取得在同一次索引鎖內完成；刪除同樣走索引鎖，
// 查到的代碼不可能在取鎖前被並發刪除悄悄作廢。
func (m *Manager) acquireByConn(connID string) (*roomHandle, error) {
	m.mu.Lock()
	code, ok := m.connRoom[connID]
	if !ok {
		m.mu.Unlock()
		return nil, reject(RejectNotInRoom, "此連接不在任何房間")
	}
	h := m.rooms[code]
	h.refs++
	m.mu.Unlock()

	if err := h.lock(m.cfg.Game.LockTimeout.Std()); err != nil {
		m.unref(h)
		return nil, err
	}
	if h.gone {
		h.unlock()
		m.unref(h)
		return nil, reject(RejectNotInRoom, "此連接不在任何房間")
	}
	return h, nil
}

// release 釋放房間鎖與引用
func (m *Manager) release(h *roomHandle) {
	h.unlock()
	m.unref(h)
}

func (m *Manager) unref(h *roomHandle) {
	m.mu.Lock()
	h.refs--
	m.mu.Unlock()
}

// removeLocked 從表中移除房間（呼叫者必須持有該房間的鎖）
//
// 設置 gone 後，等在鎖上的其他操作會以 RoomNotFound 收場；
// 句柄離開表即不再被新請求引用，鎖表不會無界成長。
func (m *Manager) removeLocked(h *roomHandle) {
	m.mu.Lock()
	h.gone = true
	delete(m.rooms, h.code)
	for _, id := range h.room.Order {
		delete(m.connRoom, id)
	}
	if t, ok := m.countdowns[h.code]; ok {
		t.Stop()
		delete(m.countdowns, h.code)
	}
	m.mu.Unlock()

	m.mirror.Delete(h.code)
}

// generateCodeLocked 生成唯一房間代碼（呼叫者必須持有索引鎖）
func (m *Manager) generateCodeLocked() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for attempt := 0; attempt < 100; attempt++ {
		b := make([]byte, RoomCodeLength)
		for i := range b {
			b[i] = alphabet[randInt(len(alphabet))]
		}
		code := string(b)
		if _, exists := m.rooms[code]; !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("重試後仍無法生成唯一房間代碼")
}
