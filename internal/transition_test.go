package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// newTestRoom 建立有 n 名在線玩家的 lobby 房間（conn1 為房主）
func newTestRoom(t *testing.T, n int) *Room {
	t.Helper()
	r := NewRoom("ABCD", testStart)
	for i := 0; i < n; i++ {
		id := string(rune('a'+i)) + "-conn"
		name := "player" + string(rune('1'+i))
		_, err := applyJoin(r, id, name, testStart)
		require.NoError(t, err)
	}
	return r
}

// inProgressRoom 建立已開賽的房間
func inProgressRoom(t *testing.T, n int) *Room {
	t.Helper()
	r := newTestRoom(t, n)
	_, err := applyStart(r, r.HostID, GameConfig{}, testPage("Cat"), testPage("Dog"), 5*time.Second)
	require.NoError(t, err)
	_, err = applyBeginPlay(r, testStart.Add(5*time.Second))
	require.NoError(t, err)
	return r
}

func testPage(title string) PageRef {
	return PageRef{URL: "https://en.wikipedia.org/wiki/" + title, Title: title}
}

// TestApplyJoin 測試加入房間的各種情形
func TestApplyJoin(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T) *Room
		connID     string
		playerName string
		wantKind   RejectKind
		validate   func(t *testing.T, r *Room, ems []Emission)
	}{
		{
			name:       "first player becomes host",
			setup:      func(t *testing.T) *Room { return NewRoom("ABCD", testStart) },
			connID:     "c1",
			playerName: "alice",
			validate: func(t *testing.T, r *Room, ems []Emission) {
				require.Len(t, r.Players, 1)
				assert.True(t, r.Players["c1"].IsHost)
				assert.Equal(t, "c1", r.HostID)
				require.Len(t, ems, 2)
				assert.Equal(t, "room_joined", ems[0].Event.Name)
				assert.Equal(t, []string{"c1"}, ems[0].To)
				assert.Equal(t, "player_joined", ems[1].Event.Name)
			},
		},
		{
			name:       "second player is not host",
			setup:      func(t *testing.T) *Room { return newTestRoom(t, 1) },
			connID:     "c2",
			playerName: "bob",
			validate: func(t *testing.T, r *Room, ems []Emission) {
				assert.False(t, r.Players["c2"].IsHost)
				assert.Len(t, r.Players, 2)
			},
		},
		{
			name:       "empty name rejected",
			setup:      func(t *testing.T) *Room { return newTestRoom(t, 1) },
			connID:     "c2",
			playerName: "   ",
			wantKind:   RejectBadPayload,
		},
		{
			name:       "duplicate name rejected case-insensitively",
			setup:      func(t *testing.T) *Room { return newTestRoom(t, 1) },
			connID:     "c2",
			playerName: "PLAYER1",
			wantKind:   RejectNameTaken,
		},
		{
			name: "room full rejected",
			setup: func(t *testing.T) *Room {
				return newTestRoom(t, MaxPlayersPerRoom)
			},
			connID:     "extra",
			playerName: "latecomer",
			wantKind:   RejectRoomFull,
		},
		{
			name: "fresh join during countdown rejected",
			setup: func(t *testing.T) *Room {
				r := newTestRoom(t, 2)
				_, err := applyStart(r, r.HostID, GameConfig{}, testPage("A"), testPage("B"), time.Second)
				require.NoError(t, err)
				return r
			},
			connID:     "c9",
			playerName: "late",
			wantKind:   RejectRoomNotJoinable,
		},
		{
			name: "fresh join during race rejected",
			setup: func(t *testing.T) *Room {
				return inProgressRoom(t, 2)
			},
			connID:     "c9",
			playerName: "late",
			wantKind:   RejectRoomNotJoinable,
		},
		{
			name: "join completed room allowed for rematch",
			setup: func(t *testing.T) *Room {
				r := inProgressRoom(t, 2)
				_, err := applyCompletion(r, r.HostID, testStart.Add(time.Minute))
				require.NoError(t, err)
				return r
			},
			connID:     "c9",
			playerName: "next-round",
			validate: func(t *testing.T, r *Room, ems []Emission) {
				assert.Equal(t, StateCompleted, r.State)
				assert.Len(t, r.Players, 3)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.setup(t)
			before := len(r.Players)
			ems, err := applyJoin(r, tt.connID, tt.playerName, testStart.Add(time.Second))

			if tt.wantKind != "" {
				require.Error(t, err)
				assert.True(t, IsKind(err, tt.wantKind), "expected %s, got %v", tt.wantKind, err)
				// 拒絕不產生任何變更
				assert.Len(t, r.Players, before)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, r, ems)
			}
		})
	}
}

// TestApplyJoin_RejoinPreservesProgress 比賽中斷線後憑同名重連，
// 軌跡與進度原封不動
func TestApplyJoin_RejoinPreservesProgress(t *testing.T) {
	r := inProgressRoom(t, 2)
	guest := r.Order[1]

	// 走兩步
	_, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(10*time.Second))
	require.NoError(t, err)
	_, err = applyProgress(r, guest, "https://en.wikipedia.org/wiki/Tiger", "Tiger", testStart.Add(20*time.Second))
	require.NoError(t, err)

	// 斷線：比賽中名額保留
	_, err = applyLeave(r, guest, testStart.Add(25*time.Second))
	require.NoError(t, err)
	require.Contains(t, r.Players, guest)
	assert.Equal(t, ConnDisconnected, r.Players[guest].Status)
	assert.Equal(t, StateInProgress, r.State)

	// 殘留連接的進度靜默丟棄
	ems, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Bear", "Bear", testStart.Add(26*time.Second))
	require.NoError(t, err)
	assert.Empty(t, ems)

	// 憑同名重連（大小寫不敏感）
	ems, err = applyJoin(r, "new-conn", "PLAYER2", testStart.Add(30*time.Second))
	require.NoError(t, err)
	require.NotEmpty(t, ems)

	p := r.Players["new-conn"]
	require.NotNil(t, p)
	assert.Equal(t, ConnActive, p.Status)
	assert.Equal(t, "player2", p.DisplayName)
	assert.Equal(t, 2, p.LinksUsed)
	require.Len(t, p.History, 3) // 起始頁 + 兩步
	assert.Equal(t, "Tiger", p.History[2].PageTitle)
	assert.NotContains(t, r.Players, guest)
	// 加入順序原位替換
	assert.Equal(t, "new-conn", r.Order[1])
}

// TestApplyLeave 測試離開房間的各種情形
func TestApplyLeave(t *testing.T) {
	t.Run("lobby leave removes player", func(t *testing.T) {
		r := newTestRoom(t, 3)
		guest := r.Order[1]
		ems, err := applyLeave(r, guest, testStart.Add(time.Second))
		require.NoError(t, err)
		assert.NotContains(t, r.Players, guest)
		assert.Len(t, r.Order, 2)
		require.NotEmpty(t, ems)
		assert.Equal(t, "player_left", ems[0].Event.Name)
	})

	t.Run("unknown connection rejected", func(t *testing.T) {
		r := newTestRoom(t, 2)
		_, err := applyLeave(r, "ghost", testStart)
		assert.True(t, IsKind(err, RejectNotInRoom))
	})

	t.Run("host leave transfers to next active by join order", func(t *testing.T) {
		r := newTestRoom(t, 3)
		host := r.HostID
		second := r.Order[1]

		ems, err := applyLeave(r, host, testStart.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, second, r.HostID)
		assert.True(t, r.Players[second].IsHost)

		var transferred bool
		for _, em := range ems {
			if em.Event.Name == "host_transferred" {
				transferred = true
			}
		}
		assert.True(t, transferred)
	})

	t.Run("countdown cancelled when players drop below two", func(t *testing.T) {
		r := newTestRoom(t, 2)
		_, err := applyStart(r, r.HostID, GameConfig{}, testPage("A"), testPage("B"), time.Second)
		require.NoError(t, err)

		ems, err := applyLeave(r, r.Order[1], testStart.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, StateLobby, r.State)
		assert.Empty(t, r.StartPage.URL)

		var cancelled bool
		for _, em := range ems {
			if em.Event.Name == "game_cancelled" {
				cancelled = true
			}
		}
		assert.True(t, cancelled)
	})

	t.Run("race ends with no winner when everyone disconnects", func(t *testing.T) {
		r := inProgressRoom(t, 2)
		_, err := applyLeave(r, r.Order[0], testStart.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, StateInProgress, r.State)

		ems, err := applyLeave(r, r.Order[1], testStart.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, r.State)

		var ended bool
		for _, em := range ems {
			if em.Event.Name == "game_ended" {
				ended = true
				data := em.Event.Data.(map[string]any)
				assert.Equal(t, "", data["winner_connection_id"])
			}
		}
		assert.True(t, ended)
	})

	t.Run("empty since set when last active player leaves", func(t *testing.T) {
		r := newTestRoom(t, 1)
		_, err := applyLeave(r, r.Order[0], testStart.Add(time.Second))
		require.NoError(t, err)
		assert.Empty(t, r.Players)
	})
}

// TestCheckStart 測試開始比賽的前置驗證
func TestCheckStart(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T) *Room
		connID   func(r *Room) string
		cfg      GameConfig
		wantKind RejectKind
	}{
		{
			name:   "host with two players ok",
			setup:  func(t *testing.T) *Room { return newTestRoom(t, 2) },
			connID: func(r *Room) string { return r.HostID },
		},
		{
			name:     "non-host rejected",
			setup:    func(t *testing.T) *Room { return newTestRoom(t, 2) },
			connID:   func(r *Room) string { return r.Order[1] },
			wantKind: RejectNotHost,
		},
		{
			name:     "single player rejected",
			setup:    func(t *testing.T) *Room { return newTestRoom(t, 1) },
			connID:   func(r *Room) string { return r.HostID },
			wantKind: RejectInsufficientPlayers,
		},
		{
			name:     "already racing rejected",
			setup:    func(t *testing.T) *Room { return inProgressRoom(t, 2) },
			connID:   func(r *Room) string { return r.HostID },
			wantKind: RejectGameNotActive,
		},
		{
			name:     "unknown category rejected",
			setup:    func(t *testing.T) *Room { return newTestRoom(t, 2) },
			connID:   func(r *Room) string { return r.HostID },
			cfg:      GameConfig{StartCategory: "Nonsense"},
			wantKind: RejectInvalidConfig,
		},
		{
			name: "completed room can start rematch",
			setup: func(t *testing.T) *Room {
				r := inProgressRoom(t, 2)
				_, err := applyCompletion(r, r.HostID, testStart.Add(time.Minute))
				require.NoError(t, err)
				return r
			},
			connID: func(r *Room) string { return r.HostID },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.setup(t)
			err := checkStart(r, tt.connID(r), tt.cfg)
			if tt.wantKind != "" {
				assert.True(t, IsKind(err, tt.wantKind), "expected %s, got %v", tt.wantKind, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestApplyBeginPlay 開賽時所有玩家歸零，歷史以起始頁為第 0 筆
func TestApplyBeginPlay(t *testing.T) {
	r := newTestRoom(t, 3)
	_, err := applyStart(r, r.HostID, GameConfig{}, testPage("Cat"), testPage("Dog"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, r.State)

	began := testStart.Add(5 * time.Second)
	ems, err := applyBeginPlay(r, began)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, r.State)
	assert.Equal(t, began, r.GameStartedAt)
	require.Len(t, ems, 1)
	assert.Equal(t, "game_started", ems[0].Event.Name)
	assert.Len(t, ems[0].To, 3)

	for _, p := range r.Players {
		assert.Equal(t, 0, p.LinksUsed)
		assert.False(t, p.Completed)
		require.Len(t, p.History, 1)
		assert.Equal(t, 0, p.History[0].SequenceNumber)
		assert.Equal(t, "Cat", p.History[0].PageTitle)
		assert.Equal(t, r.StartPage, p.CurrentPage)
	}

	// 沒在倒數就不能開賽（倒數已被取消的計時器回呼走到這裡）
	_, err = applyBeginPlay(r, began)
	assert.True(t, IsKind(err, RejectGameNotActive))
}

// TestApplyProgress 測試進度回報
func TestApplyProgress(t *testing.T) {
	t.Run("sequence numbers are contiguous", func(t *testing.T) {
		r := inProgressRoom(t, 2)
		guest := r.Order[1]

		pages := []string{"Lion", "Tiger", "Bear", "Wolf"}
		for i, title := range pages {
			now := testStart.Add(time.Duration(10+i*5) * time.Second)
			ems, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/"+title, title, now)
			require.NoError(t, err)
			require.Len(t, ems, 1)
			assert.Equal(t, "player_progress", ems[0].Event.Name)
		}

		p := r.Players[guest]
		assert.Equal(t, 4, p.LinksUsed)
		require.Len(t, p.History, 5)
		for i, entry := range p.History {
			assert.Equal(t, i, entry.SequenceNumber)
		}
		assert.Equal(t, "Wolf", p.CurrentPage.Title)
	})

	t.Run("duplicate page silently dropped", func(t *testing.T) {
		r := inProgressRoom(t, 2)
		guest := r.Order[1]

		_, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(10*time.Second))
		require.NoError(t, err)

		// 同頁再報一次（帶查詢參數也算同頁）
		ems, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Lion?action=view", "Lion", testStart.Add(11*time.Second))
		require.NoError(t, err)
		assert.Empty(t, ems)
		assert.Equal(t, 1, r.Players[guest].LinksUsed)
	})

	t.Run("progress outside race rejected", func(t *testing.T) {
		r := newTestRoom(t, 2)
		_, err := applyProgress(r, r.Order[1], "https://en.wikipedia.org/wiki/Lion", "Lion", testStart)
		assert.True(t, IsKind(err, RejectGameNotActive))
	})

	t.Run("progress after race ended rejected", func(t *testing.T) {
		r := inProgressRoom(t, 2)
		_, err := applyCompletion(r, r.HostID, testStart.Add(time.Minute))
		require.NoError(t, err)
		_, err = applyProgress(r, r.Order[1], "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(time.Minute))
		assert.True(t, IsKind(err, RejectGameAlreadyEnded))
	})

	t.Run("unknown connection silently dropped", func(t *testing.T) {
		r := inProgressRoom(t, 2)
		ems, err := applyProgress(r, "ghost", "https://en.wikipedia.org/wiki/Lion", "Lion", testStart)
		require.NoError(t, err)
		assert.Empty(t, ems)
	})
}

// TestApplyCompletion 第一個完成者獲勝，之後的完成一律拒絕
func TestApplyCompletion(t *testing.T) {
	r := inProgressRoom(t, 3)
	winner := r.Order[1]

	_, err := applyProgress(r, winner, "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(10*time.Second))
	require.NoError(t, err)

	ems, err := applyCompletion(r, winner, testStart.Add(42*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.State)
	assert.True(t, r.Players[winner].Completed)
	assert.InDelta(t, 37.0, r.Players[winner].CompletionSeconds, 0.001)

	require.Len(t, ems, 2)
	assert.Equal(t, "player_completed", ems[0].Event.Name)
	assert.Equal(t, "game_ended", ems[1].Event.Name)

	data := ems[1].Event.Data.(map[string]any)
	assert.Equal(t, winner, data["winner_connection_id"])
	results := data["results"].([]PlayerResult)
	require.Len(t, results, 3)
	// 完成者排第一，未完成者依加入順序在後
	assert.Equal(t, winner, results[0].ConnectionID)
	assert.Equal(t, 1, results[0].Rank)
	assert.True(t, results[0].Completed)
	assert.Equal(t, r.Order[0], results[1].ConnectionID)
	assert.Equal(t, 2, results[1].Rank)

	// 第二個抵達者拿到明確拒絕
	_, err = applyCompletion(r, r.Order[2], testStart.Add(43*time.Second))
	assert.True(t, IsKind(err, RejectGameAlreadyEnded))
}

// TestSnapshotIsDeepCopy 快照與權威狀態互不影響
func TestSnapshotIsDeepCopy(t *testing.T) {
	r := inProgressRoom(t, 2)
	guest := r.Order[1]
	_, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(10*time.Second))
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap.Players, 2)

	// 快照之後繼續變更權威狀態
	_, err = applyProgress(r, guest, "https://en.wikipedia.org/wiki/Tiger", "Tiger", testStart.Add(20*time.Second))
	require.NoError(t, err)

	assert.Len(t, snap.Players[1].History, 2)
	assert.Len(t, r.Players[guest].History, 3)

	// 改動快照也不影響權威狀態
	snap.Players[1].History[0].PageTitle = "mangled"
	assert.NotEqual(t, "mangled", r.Players[guest].History[0].PageTitle)
}

// TestRestoreRoom 從快照恢復後所有玩家為斷線狀態，可憑名稱接回
func TestRestoreRoom(t *testing.T) {
	r := inProgressRoom(t, 2)
	guest := r.Order[1]
	_, err := applyProgress(r, guest, "https://en.wikipedia.org/wiki/Lion", "Lion", testStart.Add(10*time.Second))
	require.NoError(t, err)

	snap := r.Snapshot()
	restoredAt := testStart.Add(time.Hour)
	restored := RestoreRoom(snap, restoredAt)

	assert.Equal(t, r.Code, restored.Code)
	assert.Equal(t, StateInProgress, restored.State)
	assert.Equal(t, restoredAt, restored.EmptySince)
	assert.Equal(t, 0, restored.ActiveCount())

	// 憑名稱重連接回進度
	_, err = applyJoin(restored, "fresh-conn", "player2", restoredAt.Add(time.Second))
	require.NoError(t, err)
	p := restored.Players["fresh-conn"]
	require.NotNil(t, p)
	assert.Equal(t, 1, p.LinksUsed)
	assert.Len(t, p.History, 2)
}

func TestApplyAbandon(t *testing.T) {
	r := newTestRoom(t, 2)
	for _, id := range []string{"a-conn", "b-conn"} {
		_, err := applyLeave(r, id, testStart.Add(time.Minute))
		require.NoError(t, err)
	}
	version := r.Version

	applyAbandon(r)

	assert.Equal(t, StateAbandoned, r.State)
	assert.Equal(t, version+1, r.Version)
}
