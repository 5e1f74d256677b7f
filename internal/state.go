// Package internal 實現 WikiRace 多人競速的房間協調核心。
//
// 系統設計問題：
//
//	如何在大量併發連接下管理多個遊戲房間的生命週期，
//	處理斷線/重連而不丟失或重複狀態，並向房間內所有玩家
//	即時廣播一致的進度事件？
//
// 核心挑戰：
//  1. 狀態管理：房間有嚴格的狀態轉換（lobby → starting → in_progress → completed）
//  2. 併發控制：不同房間的操作必須能並行，同一房間的變更必須線性化
//  3. 斷線重連：比賽中斷線的玩家保留名額，憑顯示名稱重新接回
//  4. 部分失敗：頁面選擇、Redis 鏡像等協作方故障不能影響記憶體內的權威狀態
//
// 設計方案：
//
//	✅ 純函數狀態機 - 所有能改變房間狀態的路徑收斂到單一可稽核的入口
//	✅ 每房間鎖（引用計數句柄）- 無關房間互不阻塞
//	✅ 發射清單（emission list）- 狀態變更在鎖內決定、鎖外投遞
//	✅ 滑動視窗限流 - 阻擋異常客戶端的事件洪水
//	✅ 盡力而為鏡像 - Redis 僅作崩潰恢復的副本，從不是真相來源
package internal

import (
	"strings"
	"time"
)

// GameState 遊戲狀態
//
// 有限狀態機設計：
//
//	lobby → starting → in_progress → completed
//	  ↑________|（倒數期間人數不足則取消）
//	任何狀態 →（無人超過寬限期）→ abandoned
//
// 狀態轉換規則：
//   - lobby → starting：房主發起開始，且至少 2 名在線玩家、配置有效
//   - starting → in_progress：倒數計時結束
//   - in_progress → completed：任一玩家抵達終點頁（先到先贏），
//     或所有玩家都斷線（不足 1 名在線玩家）
//   - 任何狀態 → abandoned：房間無在線玩家超過寬限期
//
// 終止狀態：completed、abandoned。completed 的房間允許新玩家加入
// （等待下一局），abandoned 的房間會被直接回收。
type GameState string

const (
	StateLobby      GameState = "lobby"       // 等待玩家加入
	StateStarting   GameState = "starting"    // 倒數計時中
	StateInProgress GameState = "in_progress" // 比賽進行中
	StateCompleted  GameState = "completed"   // 比賽結束
	StateAbandoned  GameState = "abandoned"   // 房間廢棄（待回收）
)

// Terminal 是否為終止狀態
func (s GameState) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// ConnStatus 玩家連接狀態
type ConnStatus string

const (
	ConnActive       ConnStatus = "active"       // 連接正常
	ConnDisconnected ConnStatus = "disconnected" // 已斷線（比賽中保留名額）
)

// MaxPlayersPerRoom 單一房間的玩家上限
const MaxPlayersPerRoom = 10

// RoomCodeLength 房間代碼長度（大寫英文字母）
const RoomCodeLength = 4

// PageRef 一個維基百科頁面（URL + 顯示標題）
type PageRef struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// NavigationEntry 玩家比賽歷史中的一筆頁面造訪紀錄
//
// 不變量：
//   - SequenceNumber 從 0 開始（0 = 起始頁），同一玩家內嚴格遞增且連續
//   - 紀錄只增不減，從不重排或刪除
//   - 序號在房間鎖內分配，因此對單一玩家構成全序
type NavigationEntry struct {
	PageURL        string    `json:"page_url"`
	PageTitle      string    `json:"page_title"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int       `json:"sequence_number"`
	ElapsedSeconds float64   `json:"elapsed_seconds"` // 距離比賽開始的秒數
}

// Player 房間內的一名玩家
//
// ConnectionID 是短暫的：斷線重連後會換成新連接的識別碼，
// 但 DisplayName（房間內大小寫不敏感唯一）與比賽進度會被保留。
type Player struct {
	ConnectionID      string
	DisplayName       string
	IsHost            bool
	Status            ConnStatus
	CurrentPage       PageRef
	LinksUsed         int               // 單調不減
	History           []NavigationEntry // 只增不減
	Completed         bool
	CompletionSeconds float64 // Completed 為 true 時有效
	JoinedAt          time.Time
	LastActivityAt    time.Time
}

// Room 一個遊戲房間
//
// 所有權：Manager 獨占擁有權威的 Room 物件，所有讀寫都必須在
// 對應的房間鎖內進行；其他元件只能取得深拷貝的快照。
//
// 不變量：
//   - HostID 永遠指向 Players 中存在的鍵，除非房間已無任何玩家
//     （此時房間符合移除條件）
//   - Code 在所有存活房間中唯一
//   - Order 依加入順序記錄連接識別碼，重連時原位替換
type Room struct {
	Code          string
	HostID        string
	Players       map[string]*Player
	Order         []string // 加入順序（連接識別碼）
	State         GameState
	StartPage     PageRef
	EndPage       PageRef
	Config        GameConfig
	CreatedAt     time.Time
	GameStartedAt time.Time
	EmptySince    time.Time // 零值表示仍有在線玩家
	Version       uint64    // 變更計數（鏡像過期判斷用）
}

// NewRoom 創建處於 lobby 狀態的空房間
func NewRoom(code string, now time.Time) *Room {
	return &Room{
		Code:      code,
		Players:   make(map[string]*Player),
		State:     StateLobby,
		CreatedAt: now,
	}
}

// ActiveCount 在線玩家數
func (r *Room) ActiveCount() int {
	n := 0
	for _, p := range r.Players {
		if p.Status == ConnActive {
			n++
		}
	}
	return n
}

// PlayerByName 以顯示名稱查找玩家（大小寫不敏感）
func (r *Room) PlayerByName(name string) *Player {
	for _, p := range r.Players {
		if strings.EqualFold(p.DisplayName, name) {
			return p
		}
	}
	return nil
}

// orderedPlayers 依加入順序回傳玩家
func (r *Room) orderedPlayers() []*Player {
	players := make([]*Player, 0, len(r.Players))
	for _, id := range r.Order {
		if p, ok := r.Players[id]; ok {
			players = append(players, p)
		}
	}
	return players
}

// removeFromOrder 從加入順序中移除連接識別碼
func (r *Room) removeFromOrder(connID string) {
	for i, id := range r.Order {
		if id == connID {
			r.Order = append(r.Order[:i], r.Order[i+1:]...)
			return
		}
	}
}

// rebindOrder 重連時原位替換連接識別碼，保持加入順序不變
func (r *Room) rebindOrder(oldID, newID string) {
	for i, id := range r.Order {
		if id == oldID {
			r.Order[i] = newID
			return
		}
	}
}

// PlayerSnapshot 玩家快照（深拷貝，供序列化與對外讀取）
type PlayerSnapshot struct {
	ConnectionID      string            `json:"connection_id"`
	DisplayName       string            `json:"display_name"`
	IsHost            bool              `json:"is_host"`
	Status            ConnStatus        `json:"status"`
	CurrentPage       PageRef           `json:"current_page"`
	LinksUsed         int               `json:"links_used"`
	History           []NavigationEntry `json:"navigation_history"`
	Completed         bool              `json:"completed"`
	CompletionSeconds float64           `json:"completion_seconds,omitempty"`
	JoinedAt          time.Time         `json:"joined_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
}

// RoomSnapshot 房間快照
//
// 快照必須在房間鎖內取得；離開鎖之後它就是一份獨立的副本，
// 可以安全地序列化、寫入鏡像或回傳給 REST 端點。
type RoomSnapshot struct {
	Code          string           `json:"room_code"`
	HostID        string           `json:"host_id"`
	State         GameState        `json:"state"`
	StartPage     PageRef          `json:"start_page"`
	EndPage       PageRef          `json:"end_page"`
	Config        GameConfig       `json:"config"`
	Players       []PlayerSnapshot `json:"players"` // 加入順序
	CreatedAt     time.Time        `json:"created_at"`
	GameStartedAt time.Time        `json:"game_started_at,omitzero"`
	Version       uint64           `json:"version"`
	SavedAt       time.Time        `json:"saved_at,omitzero"` // 由鏡像寫入時設定
}

// Snapshot 取得房間的深拷貝快照（呼叫者必須持有房間鎖）
func (r *Room) Snapshot() RoomSnapshot {
	s := RoomSnapshot{
		Code:          r.Code,
		HostID:        r.HostID,
		State:         r.State,
		StartPage:     r.StartPage,
		EndPage:       r.EndPage,
		Config:        r.Config,
		CreatedAt:     r.CreatedAt,
		GameStartedAt: r.GameStartedAt,
		Version:       r.Version,
		Players:       make([]PlayerSnapshot, 0, len(r.Players)),
	}
	for _, p := range r.orderedPlayers() {
		history := make([]NavigationEntry, len(p.History))
		copy(history, p.History)
		s.Players = append(s.Players, PlayerSnapshot{
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
		})
	}
	return s
}

// RestoreRoom 從快照重建房間（程序重啟時由鏡像恢復）
//
// 所有玩家一律標記為斷線：舊的連接早已失效，
// 玩家可憑顯示名稱以重連方式接回名額。
func RestoreRoom(s RoomSnapshot, now time.Time) *Room {
	r := &Room{
		Code:          s.Code,
		HostID:        s.HostID,
		State:         s.State,
		StartPage:     s.StartPage,
		EndPage:       s.EndPage,
		Config:        s.Config,
		CreatedAt:     s.CreatedAt,
		GameStartedAt: s.GameStartedAt,
		Version:       s.Version,
		EmptySince:    now,
		Players:       make(map[string]*Player, len(s.Players)),
		Order:         make([]string, 0, len(s.Players)),
	}
	for _, ps := range s.Players {
		history := make([]NavigationEntry, len(ps.History))
		copy(history, ps.History)
		r.Players[ps.ConnectionID] = &Player{
			ConnectionID:      ps.ConnectionID,
			DisplayName:       ps.DisplayName,
			IsHost:            ps.IsHost,
			Status:            ConnDisconnected,
			CurrentPage:       ps.CurrentPage,
			LinksUsed:         ps.LinksUsed,
			History:           history,
			Completed:         ps.Completed,
			CompletionSeconds: ps.CompletionSeconds,
			JoinedAt:          ps.JoinedAt,
			LastActivityAt:    ps.LastActivityAt,
		}
		r.Order = append(r.Order, ps.ConnectionID)
	}
	return r
}

// PlayerResult 比賽結束時單一玩家的結算結果
type PlayerResult struct {
	Rank              int     `json:"rank"`
	ConnectionID      string  `json:"connection_id"`
	DisplayName       string  `json:"display_name"`
	Completed         bool    `json:"completed"`
	CompletionSeconds float64 `json:"completion_seconds,omitempty"`
	LinksUsed         int     `json:"links_used"`
	CurrentPage       PageRef `json:"current_page"`
}
