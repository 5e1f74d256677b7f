package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror 房間快照的盡力而為鏡像
//
// 系統設計考量：
//
//  1. 鏡像永遠不是真相來源：
//     記憶體中的 Manager 持有權威狀態；Redis 只存副本，
//     只在進程重啟時讀回一次。鏡像完全缺席時服務照常運作。
//
//  2. 為什麼異步寫入？
//     規則：鏡像同步絕不能發生在持有房間鎖的期間。
//     Manager 在釋放鎖之後把快照丟進緩衝通道，由 worker
//     在自己的 goroutine 裡寫 Redis；通道滿了就丟棄這次寫入
//     （下一次變更會帶來更新的快照）。
//
//  3. 故障處理：
//     寫入失敗只記日誌，錯誤計數超過閾值後降為靜默，
//     避免 Redis 長時間故障時刷爆日誌。任何失敗都不會
//     阻塞或影響記憶體內的主要操作。
//
// 儲存格式：每個房間一筆，鍵 room:{CODE}，值為 JSON 序列化的
// RoomSnapshot（含 version 與 saved_at 供重啟時判斷過期）。
type Mirror struct {
	client  *redis.Client
	logger  *slog.Logger
	ttl     time.Duration
	saves   chan RoomSnapshot
	deletes chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup

	errCount atomic.Int32
}

// mirrorErrorMuteThreshold 連續失敗超過此數後不再記錄錯誤日誌
const mirrorErrorMuteThreshold = 5

// NewMirror 建立鏡像並啟動寫入 worker
func NewMirror(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Mirror {
	m := &Mirror{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		saves:   make(chan RoomSnapshot, 256),
		deletes: make(chan string, 64),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// Save 排入一筆房間快照（非阻塞；nil 鏡像安全）
func (m *Mirror) Save(s RoomSnapshot) {
	if m == nil {
		return
	}
	s.SavedAt = time.Now()
	select {
	case m.saves <- s:
	default:
		// 緩衝已滿：丟棄本次寫入，之後的變更會帶來更新的快照
		m.logger.Warn("鏡像寫入緩衝已滿，丟棄快照", "room_code", s.Code)
	}
}

// Delete 排入一筆房間刪除（非阻塞；nil 鏡像安全）
func (m *Mirror) Delete(code string) {
	if m == nil {
		return
	}
	select {
	case m.deletes <- code:
	default:
		// 丟棄也無妨，TTL 會自然清掉殘留的快照
	}
}

// worker 依序處理排入的寫入與刪除
func (m *Mirror) worker() {
	defer m.wg.Done()

	for {
		select {
		case s := <-m.saves:
			m.store(s)
		case code := <-m.deletes:
			m.remove(code)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Mirror) store(s RoomSnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("序列化房間快照失敗", "room_code", s.Code, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.Set(ctx, mirrorKey(s.Code), data, m.ttl).Err(); err != nil {
		if m.errCount.Add(1) <= mirrorErrorMuteThreshold {
			m.logger.Error("寫入房間鏡像失敗", "room_code", s.Code, "error", err)
		}
		return
	}
	m.errCount.Store(0)
}

func (m *Mirror) remove(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.client.Del(ctx, mirrorKey(code)).Err(); err != nil {
		if m.errCount.Add(1) <= mirrorErrorMuteThreshold {
			m.logger.Error("刪除房間鏡像失敗", "room_code", code, "error", err)
		}
	}
}

// Restore 讀回所有未過期、未終止的房間快照
//
// 只在進程啟動、尚未對外服務之前呼叫一次。
// saved_at 早於 within 的快照視為過期捨棄；終止狀態的房間沒有恢復價值。
func (m *Mirror) Restore(ctx context.Context, within time.Duration) ([]RoomSnapshot, error) {
	if m == nil {
		return nil, nil
	}

	var (
		snapshots []RoomSnapshot
		cursor    uint64
		cutoff    = time.Now().Add(-within)
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, "room:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("掃描房間鏡像失敗: %w", err)
		}
		for _, key := range keys {
			data, err := m.client.Get(ctx, key).Bytes()
			if err != nil {
				if err != redis.Nil {
					m.logger.Warn("讀取房間鏡像失敗", "key", key, "error", err)
				}
				continue
			}
			var s RoomSnapshot
			if err := json.Unmarshal(data, &s); err != nil {
				m.logger.Warn("解析房間鏡像失敗", "key", key, "error", err)
				continue
			}
			if s.State.Terminal() || s.SavedAt.Before(cutoff) {
				continue
			}
			snapshots = append(snapshots, s)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return snapshots, nil
}

// Stop 停止鏡像 worker（不會清空待寫佇列，殘留項靠 TTL 過期）
func (m *Mirror) Stop() {
	if m == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

func mirrorKey(code string) string {
	return "room:" + strings.ToUpper(code)
}
