package internal

import "errors"

// 事件契約：
//   入站（客戶端 → 核心）：create_room、join_room、leave_room、
//     start_game、player_progress、player_completed、ping
//   出站（核心 → 客戶端）：room_created、room_joined、player_joined、
//     player_left、host_transferred、game_starting、game_started、
//     game_cancelled、player_progress、player_completed、game_ended、
//     error、pong
//
// 出站事件除了標註單播者外都是房間範圍的廣播。

// Event 一則具名事件
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Emission 一組（收件者集合，事件）配對
//
// 狀態機在房間鎖內決定要發出哪些事件、發給誰；
// 實際投遞由閘道在鎖釋放之後執行，慢速客戶端因此拖不住房間。
type Emission struct {
	To    []string // 收件者連接識別碼
	Event Event
}

// unicast 建立單播發射
func unicast(connID, name string, data any) Emission {
	return Emission{To: []string{connID}, Event: Event{Name: name, Data: data}}
}

// broadcast 建立對房間所有玩家的廣播發射
//
// 收件者包含斷線玩家的舊識別碼也無妨：閘道對不存在的連接直接略過。
func broadcast(r *Room, name string, data any) Emission {
	to := make([]string, 0, len(r.Players))
	for _, id := range r.Order {
		if _, ok := r.Players[id]; ok {
			to = append(to, id)
		}
	}
	return Emission{To: to, Event: Event{Name: name, Data: data}}
}

// 入站事件的載荷結構（閘道以嚴格模式解碼，未知欄位一律拒絕）

type createRoomPayload struct {
	DisplayName string `json:"display_name"`
}

type joinRoomPayload struct {
	RoomCode    string `json:"room_code"`
	DisplayName string `json:"display_name"`
}

type leaveRoomPayload struct{}

type startGamePayload struct {
	Config GameConfig `json:"config"`
}

type progressPayload struct {
	PageURL   string `json:"page_url"`
	PageTitle string `json:"page_title"`
}

type completedPayload struct{}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// errorData error 事件的載荷
type errorData struct {
	Kind    RejectKind `json:"kind"`
	Message string     `json:"message"`
}

// errorEmission 對單一連接發出錯誤事件
func errorEmission(connID string, err error) Emission {
	var r *Reject
	if errors.As(err, &r) {
		return unicast(connID, "error", errorData{Kind: r.Kind, Message: r.Message})
	}
	return unicast(connID, "error", errorData{Kind: RejectBadPayload, Message: err.Error()})
}
