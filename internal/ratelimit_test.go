package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	l := NewLimiter(DefaultConfig()) // 30 progress/s、5 config/s
	t.Cleanup(l.Stop)
	return l
}

// TestLimiter_ProgressBurst 一秒內灌入 40 個進度事件，
// 恰好放行 30 個、拒絕 10 個
func TestLimiter_ProgressBurst(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	allowed, denied := 0, 0
	for i := 0; i < 40; i++ {
		at := base.Add(time.Duration(i) * 20 * time.Millisecond) // 全部落在同一秒內
		if l.allowAt("conn-1", limitClassProgress, at) {
			allowed++
		} else {
			denied++
		}
	}
	assert.Equal(t, 30, allowed)
	assert.Equal(t, 10, denied)
}

// TestLimiter_WindowSlides 視窗滑過之後配額恢復
func TestLimiter_WindowSlides(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		require.True(t, l.allowAt("conn-1", limitClassProgress, base))
	}
	require.False(t, l.allowAt("conn-1", limitClassProgress, base.Add(500*time.Millisecond)))

	// 一秒後最早的請求滑出視窗
	assert.True(t, l.allowAt("conn-1", limitClassProgress, base.Add(1100*time.Millisecond)))
}

// TestLimiter_KeysAreIndependent 不同連接、不同類別各自計數
func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		require.True(t, l.allowAt("conn-1", limitClassProgress, base))
	}
	require.False(t, l.allowAt("conn-1", limitClassProgress, base))

	// conn-1 被限不影響 conn-2
	assert.True(t, l.allowAt("conn-2", limitClassProgress, base))
	// 進度被限不影響同連接的配置類事件
	assert.True(t, l.allowAt("conn-1", limitClassConfig, base))
}

// TestLimiter_ConfigClass 配置類事件上限較低
func TestLimiter_ConfigClass(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.True(t, l.allowAt("conn-1", limitClassConfig, base))
	}
	assert.False(t, l.allowAt("conn-1", limitClassConfig, base))
}

// TestLimiter_ForgetResetsQuota 斷線清理後重新計數
func TestLimiter_ForgetResetsQuota(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		require.True(t, l.allowAt("conn-1", limitClassProgress, base))
	}
	require.False(t, l.allowAt("conn-1", limitClassProgress, base))

	l.Forget("conn-1")
	assert.True(t, l.allowAt("conn-1", limitClassProgress, base))
}

// TestLimiter_UnknownClassUnlimited 未歸類事件不限流
func TestLimiter_UnknownClassUnlimited(t *testing.T) {
	l := newTestLimiter(t)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("conn-1", "unclassified"))
	}
}

// TestLimitClassFor 事件名稱 → 限流類別
func TestLimitClassFor(t *testing.T) {
	assert.Equal(t, limitClassProgress, limitClassFor("player_progress"))
	assert.Equal(t, limitClassConfig, limitClassFor("start_game"))
	assert.Equal(t, "", limitClassFor("ping"))
	assert.Equal(t, "", limitClassFor("join_room"))
}

// TestLimiter_Sweep 閒置視窗被回收
func TestLimiter_Sweep(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	l.allowAt("conn-1", limitClassProgress, base)
	l.allowAt("conn-2", limitClassProgress, base.Add(2*time.Minute))

	l.sweep(base.Add(2 * time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.windows, 1)
	_, ok := l.windows[limitKey{connID: "conn-2", class: limitClassProgress}]
	assert.True(t, ok)
}
