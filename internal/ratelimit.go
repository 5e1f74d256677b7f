package internal

import (
	"sync"
	"time"
)

// 限流類別：依事件名稱歸類，不同類別各自獨立計數
const (
	limitClassProgress = "progress" // player_progress
	limitClassConfig   = "config"   // start_game 等配置變更
)

// limitRule 單一類別的限流規則
type limitRule struct {
	limit  int
	window time.Duration
}

// Limiter 滑動視窗限流器
//
// 以（連接識別碼, 事件類別）為鍵，各自維護一個滑動視窗：
// 記錄視窗內每個請求的時間戳，計數超過上限即拒絕。
//
// 相比固定視窗，滑動視窗沒有邊界突刺問題——任意 1 秒內
// 都不會放行超過上限的事件，這正是測試場景需要的精確語意。
//
// 記憶體控制：
//   - 連接斷開時呼叫 Forget 移除它的所有視窗
//   - 閒置視窗由 sweep 定期回收，鍵表不會無界成長
type Limiter struct {
	rules   map[string]limitRule
	mu      sync.Mutex
	windows map[limitKey]*slidingWindow
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type limitKey struct {
	connID string
	class  string
}

type slidingWindow struct {
	times    []time.Time
	lastSeen time.Time
}

// NewLimiter 依配置建立限流器並啟動閒置視窗回收
func NewLimiter(cfg *Config) *Limiter {
	l := &Limiter{
		rules: map[string]limitRule{
			limitClassProgress: {limit: cfg.RateLimit.ProgressPerSecond, window: time.Second},
			limitClassConfig:   {limit: cfg.RateLimit.ConfigPerSecond, window: time.Second},
		},
		windows: make(map[limitKey]*slidingWindow),
		stopCh:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

// Allow 檢查某連接在某事件類別下是否允許通過
//
// 未知類別一律放行（沒有規則就沒有限制）。
func (l *Limiter) Allow(connID, class string) bool {
	return l.allowAt(connID, class, time.Now())
}

// allowAt 以注入時間檢查，供測試使用
func (l *Limiter) allowAt(connID, class string, now time.Time) bool {
	rule, ok := l.rules[class]
	if !ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := limitKey{connID: connID, class: class}
	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{times: make([]time.Time, 0, rule.limit)}
		l.windows[key] = w
	}
	w.lastSeen = now

	// 清理視窗外的舊請求（時間戳單調遞增，過期的一定是前綴）
	cutoff := now.Add(-rule.window)
	expired := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	w.times = w.times[expired:]

	if len(w.times) >= rule.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// Forget 移除某連接的所有視窗（連接斷開時呼叫）
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.connID == connID {
			delete(l.windows, key)
		}
	}
}

// sweepLoop 定期回收閒置視窗
func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// sweep 移除超過一分鐘沒有新事件的視窗
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.lastSeen) > time.Minute {
			delete(l.windows, key)
		}
	}
}

// Stop 停止限流器
func (l *Limiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// limitClassFor 事件名稱對應的限流類別；空字串表示不限流
func limitClassFor(event string) string {
	switch event {
	case "player_progress":
		return limitClassProgress
	case "start_game":
		return limitClassConfig
	}
	return ""
}
