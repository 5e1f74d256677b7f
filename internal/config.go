package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration time.Duration 的 yaml 包裝
//
// yaml.v3 不認得 "90s" 這種人類可讀的時長寫法，這個包裝補上：
// 接受 ParseDuration 字串，也接受裸的納秒整數。
type Duration time.Duration

// Std 轉回標準庫的 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML 實現 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("無效的時長 %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("無效的時長: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config 整個服務的配置
//
// 來源優先序：內建預設值 < yaml 配置檔 < 命令列旗標（main 套用）。
type Config struct {
	Server struct {
		Port         int      `yaml:"port"`
		ReadTimeout  Duration `yaml:"read_timeout"`
		WriteTimeout Duration `yaml:"write_timeout"`
		IdleTimeout  Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// Redis 鏡像為選配：Addr 留空表示停用，服務完全以記憶體運行
	Redis struct {
		Addr          string   `yaml:"addr"`
		Password      string   `yaml:"password"`
		DB            int      `yaml:"db"`
		SnapshotTTL   Duration `yaml:"snapshot_ttl"`
		RestoreWithin Duration `yaml:"restore_within"`
	} `yaml:"redis"`

	Game struct {
		Countdown      Duration `yaml:"countdown"`       // 開賽倒數時長
		AbandonedAfter Duration `yaml:"abandoned_after"` // 無人房間的回收寬限期
		ReapInterval   Duration `yaml:"reap_interval"`   // 回收掃描間隔
		LockTimeout    Duration `yaml:"lock_timeout"`    // 房間鎖的有界等待上限

		// 閒置玩家判定：最後活動時間超過門檻就視同斷線離開。
		// 比賽進行中採較寬鬆的門檻，避免認真找路的玩家被誤殺。
		InactiveAfter       Duration `yaml:"inactive_after"`         // lobby 等狀態
		InactiveInGameAfter Duration `yaml:"inactive_in_game_after"` // in_progress
	} `yaml:"game"`

	RateLimit struct {
		ProgressPerSecond int `yaml:"progress_per_second"` // 進度事件限流
		ConfigPerSecond   int `yaml:"config_per_second"`   // 配置變更事件限流
	} `yaml:"rate_limit"`
}

// DefaultConfig 內建預設值
//
// 寬限期取 90 秒：足以撐過客戶端的重連退避，
// 又不會讓廢棄房間佔住記憶體太久。
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8001
	cfg.Server.ReadTimeout = Duration(15 * time.Second)
	cfg.Server.WriteTimeout = Duration(15 * time.Second)
	cfg.Server.IdleTimeout = Duration(60 * time.Second)
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Redis.SnapshotTTL = Duration(2 * time.Hour)
	cfg.Redis.RestoreWithin = Duration(10 * time.Minute)
	cfg.Game.Countdown = Duration(5 * time.Second)
	cfg.Game.AbandonedAfter = Duration(90 * time.Second)
	cfg.Game.ReapInterval = Duration(30 * time.Second)
	cfg.Game.LockTimeout = Duration(5 * time.Second)
	cfg.Game.InactiveAfter = Duration(4 * time.Minute)
	cfg.Game.InactiveInGameAfter = Duration(5 * time.Minute)
	cfg.RateLimit.ProgressPerSecond = 30
	cfg.RateLimit.ConfigPerSecond = 5
	return cfg
}

// LoadConfig 讀取 yaml 配置檔並疊加在預設值之上；path 為空時只用預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}
	return cfg, nil
}
