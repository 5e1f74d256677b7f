package internal

import (
	"sort"
	"strings"
	"time"
)

// 狀態機設計：
//
// 每一種能改變房間狀態的意圖（加入、離開、開始、開賽、進度、完成）
// 都收斂到本檔案的單一入口函數。這些函數：
//   - 純邏輯：不做 I/O、不碰鎖、不讀時鐘（時間由呼叫者注入）
//   - 在呼叫者已持有房間鎖的前提下直接變更 Room
//   - 回傳發射清單（要發出哪些事件、發給誰），由呼叫者在鎖外投遞
//   - 拒絕時回傳 *Reject，保證完全不產生任何變更
//
// 把併發（Manager 的鎖紀律）與轉換邏輯（這裡）分離，
// 是讓這個併發密集的核心可以被單執行緒測試覆蓋的關鍵。

// applyJoin 處理玩家加入房間的意圖
//
// 三種情形：
//  1. 顯示名稱與「在線」玩家衝突 → NameTaken
//  2. 顯示名稱與「斷線」玩家相符 → 視為重連：重新綁定連接識別碼、
//     恢復在線狀態，比賽歷史與 linksUsed 原封不動。任何非終止狀態
//     （包含 in_progress）都允許重連
//  3. 全新加入 → 僅允許 lobby 或 completed 狀態，且房間未滿
//
// 第一位加入空房間的玩家自動成為房主。
func applyJoin(r *Room, connID, displayName string, now time.Time) ([]Emission, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, reject(RejectBadPayload, "顯示名稱不能為空")
	}

	if p := r.PlayerByName(name); p != nil {
		if p.Status == ConnActive {
			return nil, reject(RejectNameTaken, "名稱 %q 已被此房間的玩家使用", name)
		}
		if r.State == StateAbandoned {
			return nil, reject(RejectRoomNotJoinable, "房間已廢棄")
		}
		return rejoin(r, p, connID, now), nil
	}

	if r.State != StateLobby && r.State != StateCompleted {
		return nil, reject(RejectRoomNotJoinable, "房間狀態 %s 不允許加入", r.State)
	}
	if len(r.Players) >= MaxPlayersPerRoom {
		return nil, reject(RejectRoomFull, "房間已滿（上限 %d 人）", MaxPlayersPerRoom)
	}

	p := &Player{
		ConnectionID:   connID,
		DisplayName:    name,
		IsHost:         len(r.Players) == 0, // 第一位玩家自動成為房主
		Status:         ConnActive,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	r.Players[connID] = p
	r.Order = append(r.Order, connID)
	if p.IsHost {
		r.HostID = connID
	}
	r.EmptySince = time.Time{}
	r.Version++

	return []Emission{
		unicast(connID, "room_joined", map[string]any{
			"room_code": r.Code,
			"players":   r.Snapshot().Players,
		}),
		broadcast(r, "player_joined", map[string]any{
			"player":  snapshotPlayer(p),
			"players": r.Snapshot().Players,
		}),
	}, nil
}

// rejoin 新連接憑顯示名稱接回斷線玩家的名額
func rejoin(r *Room, p *Player, connID string, now time.Time) []Emission {
	oldID := p.ConnectionID
	delete(r.Players, oldID)
	p.ConnectionID = connID
	p.Status = ConnActive
	p.LastActivityAt = now
	r.Players[connID] = p
	r.rebindOrder(oldID, connID)
	if r.HostID == oldID {
		r.HostID = connID
	}
	r.EmptySince = time.Time{}
	r.Version++

	return []Emission{
		unicast(connID, "room_joined", map[string]any{
			"room_code": r.Code,
			"rejoined":  true,
			"players":   r.Snapshot().Players,
		}),
		broadcast(r, "player_joined", map[string]any{
			"player":   snapshotPlayer(p),
			"rejoined": true,
			"players":  r.Snapshot().Players,
		}),
	}
}

// applyLeave 處理玩家離開（主動離開與斷線走同一條路徑）
//
// 比賽倒數或進行期間離開的玩家標記為斷線並保留名額（可重連）；
// 其他狀態直接移除。房主離開時，房主身分轉移給加入順序中
// 下一位在線玩家——轉移發生在同一次離開處理內，對房間的
// 後續事件一定先看到新房主。
//
// 衍生轉換：
//   - starting 期間在線人數 < 2 → 取消倒數，退回 lobby
//   - in_progress 期間在線人數 < 1 → 比賽結束（無勝者）
func applyLeave(r *Room, connID string, now time.Time) ([]Emission, error) {
	p, ok := r.Players[connID]
	if !ok {
		return nil, reject(RejectNotInRoom, "玩家不在此房間")
	}

	wasHost := p.IsHost
	retained := r.State == StateStarting || r.State == StateInProgress
	if retained {
		p.Status = ConnDisconnected
		p.LastActivityAt = now
	} else {
		delete(r.Players, connID)
		r.removeFromOrder(connID)
	}
	r.Version++

	ems := []Emission{broadcast(r, "player_left", map[string]any{
		"connection_id": connID,
		"display_name":  p.DisplayName,
		"players":       r.Snapshot().Players,
	})}

	if wasHost {
		if next := nextHost(r, connID); next != nil {
			p.IsHost = false
			next.IsHost = true
			r.HostID = next.ConnectionID
			ems = append(ems, broadcast(r, "host_transferred", map[string]any{
				"connection_id": next.ConnectionID,
				"display_name":  next.DisplayName,
			}))
		}
	}

	if r.ActiveCount() == 0 && r.EmptySince.IsZero() {
		r.EmptySince = now
	}

	switch {
	case r.State == StateStarting && r.ActiveCount() < 2:
		// 倒數期間人數不足：取消開賽，退回 lobby
		r.State = StateLobby
		r.StartPage = PageRef{}
		r.EndPage = PageRef{}
		ems = append(ems, broadcast(r, "game_cancelled", map[string]any{
			"reason": "玩家人數不足",
		}))
	case r.State == StateInProgress && r.ActiveCount() < 1:
		// 所有玩家都斷線：比賽結束，無勝者
		r.State = StateCompleted
		ems = append(ems, broadcast(r, "game_ended", map[string]any{
			"winner_connection_id": "",
			"results":              rankResults(r),
		}))
	}

	return ems, nil
}

// nextHost 找出加入順序中下一位在線玩家；
// 全員斷線時退而求其次選第一位留存的玩家，確保 HostID 不懸空
func nextHost(r *Room, departing string) *Player {
	var fallback *Player
	for _, p := range r.orderedPlayers() {
		if p.ConnectionID == departing {
			continue
		}
		if p.Status == ConnActive {
			return p
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback
}

// checkStart 驗證開始比賽的前置條件（不產生任何變更）
//
// Manager 先呼叫這裡驗證，再呼叫頁面選擇協作方，最後才 applyStart；
// 這樣頁面選擇失敗時房間保證還停留在 lobby。
func checkStart(r *Room, connID string, cfg GameConfig) error {
	if r.State != StateLobby && r.State != StateCompleted {
		return reject(RejectGameNotActive, "房間狀態 %s 不允許開始比賽", r.State)
	}
	if r.HostID != connID {
		return reject(RejectNotHost, "只有房主可以開始比賽")
	}
	if r.ActiveCount() < 2 {
		return reject(RejectInsufficientPlayers, "至少需要 2 名在線玩家（目前 %d 名）", r.ActiveCount())
	}
	return cfg.Validate()
}

// applyStart 進入倒數階段（lobby → starting）
//
// start/end 由呼叫者向頁面選擇協作方取得；本函數重跑前置驗證，
// 確保選頁期間房間沒有發生讓條件失效的變更。
func applyStart(r *Room, connID string, cfg GameConfig, start, end PageRef, countdown time.Duration) ([]Emission, error) {
	if err := checkStart(r, connID, cfg); err != nil {
		return nil, err
	}

	r.State = StateStarting
	r.Config = cfg
	r.StartPage = start
	r.EndPage = end
	r.Version++

	return []Emission{broadcast(r, "game_starting", map[string]any{
		"countdown_seconds": int(countdown.Seconds()),
		"start_page":        start,
		"end_page":          end,
	})}, nil
}

// applyBeginPlay 倒數結束，正式開賽（starting → in_progress）
//
// 所有玩家的比賽狀態歸零：歷史清空並以起始頁作為第 0 筆紀錄、
// linksUsed 歸零、完成旗標清除。completed 房間重開時也靠這裡重置。
func applyBeginPlay(r *Room, now time.Time) ([]Emission, error) {
	if r.State != StateStarting {
		// 倒數期間被取消或房間已走到別的狀態
		return nil, reject(RejectGameNotActive, "房間不在倒數狀態: %s", r.State)
	}

	r.State = StateInProgress
	r.GameStartedAt = now
	for _, p := range r.Players {
		p.Completed = false
		p.CompletionSeconds = 0
		p.LinksUsed = 0
		p.CurrentPage = r.StartPage
		p.History = []NavigationEntry{{
			PageURL:        r.StartPage.URL,
			PageTitle:      r.StartPage.Title,
			Timestamp:      now,
			SequenceNumber: 0,
			ElapsedSeconds: 0,
		}}
		p.LastActivityAt = now
	}
	r.Version++

	return []Emission{broadcast(r, "game_started", map[string]any{
		"start_page": r.StartPage,
		"end_page":   r.EndPage,
	})}, nil
}

// applyProgress 記錄一次頁面造訪
//
// 序號在房間鎖內分配，因此同一玩家的序號嚴格遞增且無空洞。
// 斷線或已完成玩家的事件、以及與當前頁重複的回報，都靜默丟棄
// （回傳空發射清單、無錯誤）——來自已被替換連接的殘留事件
// 不值得對一條垂死的連接回報錯誤。
func applyProgress(r *Room, connID, pageURL, pageTitle string, now time.Time) ([]Emission, error) {
	if r.State == StateCompleted {
		return nil, reject(RejectGameAlreadyEnded, "比賽已結束")
	}
	if r.State != StateInProgress {
		return nil, reject(RejectGameNotActive, "比賽不在進行中")
	}

	p, ok := r.Players[connID]
	if !ok || p.Status == ConnDisconnected || p.Completed {
		return nil, nil // 靜默丟棄
	}

	// 與上一筆相同頁面（忽略查詢參數）的重複回報不記錄
	if len(p.History) > 0 {
		last := p.History[len(p.History)-1]
		if stripQuery(last.PageURL) == stripQuery(pageURL) && last.PageTitle == pageTitle {
			return nil, nil
		}
	}

	entry := NavigationEntry{
		PageURL:        pageURL,
		PageTitle:      pageTitle,
		Timestamp:      now,
		SequenceNumber: len(p.History),
		ElapsedSeconds: now.Sub(r.GameStartedAt).Seconds(),
	}
	p.History = append(p.History, entry)
	p.LinksUsed++
	p.CurrentPage = PageRef{URL: pageURL, Title: pageTitle}
	p.LastActivityAt = now
	r.Version++

	return []Emission{broadcast(r, "player_progress", map[string]any{
		"connection_id": connID,
		"display_name":  p.DisplayName,
		"page_url":      pageURL,
		"page_title":    pageTitle,
		"links_used":    p.LinksUsed,
		"elapsed":       entry.ElapsedSeconds,
	})}, nil
}

// applyCompletion 玩家宣告抵達終點頁
//
// 勝者由取得房間鎖的順序決定，而非客戶端聲稱的時間戳：
// 第一個成功套用的完成讓房間轉入 completed 並廣播結算，
// 之後的完成一律拒絕為 GameAlreadyEnded。
func applyCompletion(r *Room, connID string, now time.Time) ([]Emission, error) {
	if r.State == StateCompleted {
		return nil, reject(RejectGameAlreadyEnded, "比賽已結束")
	}
	if r.State != StateInProgress {
		return nil, reject(RejectGameNotActive, "比賽不在進行中")
	}

	p, ok := r.Players[connID]
	if !ok || p.Status == ConnDisconnected {
		return nil, nil // 殘留連接的事件，靜默丟棄
	}

	p.Completed = true
	p.CompletionSeconds = now.Sub(r.GameStartedAt).Seconds()
	p.LastActivityAt = now
	r.State = StateCompleted
	r.Version++

	ems := []Emission{
		broadcast(r, "player_completed", map[string]any{
			"connection_id":      connID,
			"display_name":       p.DisplayName,
			"completion_seconds": p.CompletionSeconds,
			"links_used":         p.LinksUsed,
		}),
		broadcast(r, "game_ended", map[string]any{
			"winner_connection_id": connID,
			"results":              rankResults(r),
		}),
	}
	return ems, nil
}

// applyAbandon 將超過寬限期仍無人在線的房間標記為廢棄（終止狀態）
//
// 只由回收機制觸發。房間此刻沒有任何在線玩家，沒有收件者，
// 自然也沒有發射。
func applyAbandon(r *Room) {
	r.State = StateAbandoned
	r.Version++
}

// rankResults 產生結算排名：完成者依用時排序在前，未完成者依加入順序在後
func rankResults(r *Room) []PlayerResult {
	results := make([]PlayerResult, 0, len(r.Players))
	for _, p := range r.orderedPlayers() {
		results = append(results, PlayerResult{
			ConnectionID:      p.ConnectionID,
			DisplayName:       p.DisplayName,
			Completed:         p.Completed,
			CompletionSeconds: p.CompletionSeconds,
			LinksUsed:         p.LinksUsed,
			CurrentPage:       p.CurrentPage,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Completed != results[j].Completed {
			return results[i].Completed
		}
		if results[i].Completed {
			return results[i].CompletionSeconds < results[j].CompletionSeconds
		}
		return false // 未完成者維持加入順序
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// snapshotPlayer 單一玩家的快照
func snapshotPlayer(p *Player) PlayerSnapshot {
	history := make([]NavigationEntry, len(p.History))
	copy(history, p.History)
	return PlayerSnapshot{
		ConnectionID:      p.ConnectionID,
		DisplayName:       p.DisplayName,
		IsHost:            p.IsHost,
		Status:            p.Status,
		CurrentPage:       p.CurrentPage,
		LinksUsed:         p.LinksUsed,
		History:           history,
		Completed:         p.Completed,
		CompletionSeconds: p.CompletionSeconds,
		JoinedAt:          p.JoinedAt,
		LastActivityAt:    p.LastActivityAt,
	}
}

// stripQuery 去除網址的查詢參數
func stripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
