package internal

import (
	"errors"
	"fmt"
)

// RejectKind 轉換被拒絕的機器可讀原因
//
// 錯誤分類設計：
//   - 驗證類（BadPayload、InvalidConfig）：在閘道邊界就被擋下，不觸及狀態
//   - 狀態衝突類（RoomFull、NameTaken、NotHost...）：由狀態機拒絕，不產生變更
//   - 限流類（RateLimited）：閘道在進入 Manager 之前攔截
//   - 協作方故障類（PageSelectionFailed）：中止進行中的轉換，房間停留在原狀態
//
// 所有拒絕都是針對單一請求的，只會單播給發起者，永遠不會廣播、
// 不會改變房間狀態，也不會讓進程終止。
type RejectKind string

const (
	RejectBadPayload          RejectKind = "BadPayload"
	RejectRoomNotFound        RejectKind = "RoomNotFound"
	RejectRoomFull            RejectKind = "RoomFull"
	RejectNameTaken           RejectKind = "NameTaken"
	RejectRoomNotJoinable     RejectKind = "RoomNotJoinable"
	RejectNotInRoom           RejectKind = "NotInRoom"
	RejectNotHost             RejectKind = "NotHost"
	RejectInsufficientPlayers RejectKind = "InsufficientPlayers"
	RejectInvalidConfig       RejectKind = "InvalidConfig"
	RejectPageSelectionFailed RejectKind = "PageSelectionFailed"
	RejectGameNotActive       RejectKind = "GameNotActive"
	RejectGameAlreadyEnded    RejectKind = "GameAlreadyEnded"
	RejectRateLimited         RejectKind = "RateLimited"
	RejectLockTimeout         RejectKind = "LockTimeout"
)

// Reject 帶有分類的轉換拒絕錯誤
type Reject struct {
	Kind    RejectKind
	Message string
}

func (e *Reject) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func reject(kind RejectKind, format string, args ...any) *Reject {
	return &Reject{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf 取出錯誤的拒絕分類；非 Reject 錯誤回傳 false
func KindOf(err error) (RejectKind, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r.Kind, true
	}
	return "", false
}

// IsKind 判斷錯誤是否為特定分類的拒絕
func IsKind(err error, kind RejectKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
