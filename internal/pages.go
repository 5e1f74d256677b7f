package internal

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// CategoryRandom 特殊分類：從所有內建分類中隨機挑選
const CategoryRandom = "Random"

// GameConfig 一局比賽的配置
//
// 封閉的配置紀錄：只接受列舉過的欄位，分類必須來自已知集合，
// 自訂頁面必須是維基百科條目網址。未知欄位在閘道邊界就會被拒絕
// （JSON 嚴格解碼），格式錯誤的值在進入狀態機之前由 Validate 擋下。
type GameConfig struct {
	StartCategory  string `json:"start_category"`
	EndCategory    string `json:"end_category"`
	CustomStartURL string `json:"custom_start_url,omitempty"`
	CustomEndURL   string `json:"custom_end_url,omitempty"`
}

// Validate 檢查配置是否有效
func (c *GameConfig) Validate() error {
	if c.StartCategory == "" {
		c.StartCategory = CategoryRandom
	}
	if c.EndCategory == "" {
		c.EndCategory = CategoryRandom
	}
	if c.CustomStartURL == "" && !knownCategory(c.StartCategory) {
		return reject(RejectInvalidConfig, "未知的起點分類: %s", c.StartCategory)
	}
	if c.CustomEndURL == "" && !knownCategory(c.EndCategory) {
		return reject(RejectInvalidConfig, "未知的終點分類: %s", c.EndCategory)
	}
	if c.CustomStartURL != "" {
		if err := validateWikiURL(c.CustomStartURL); err != nil {
			return reject(RejectInvalidConfig, "自訂起點頁無效: %v", err)
		}
	}
	if c.CustomEndURL != "" {
		if err := validateWikiURL(c.CustomEndURL); err != nil {
			return reject(RejectInvalidConfig, "自訂終點頁無效: %v", err)
		}
	}
	return nil
}

// validateWikiURL 確認網址是維基百科的條目頁
func validateWikiURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("不支援的協定: %s", u.Scheme)
	}
	host := strings.ToLower(u.Host)
	if host != "wikipedia.org" && !strings.HasSuffix(host, ".wikipedia.org") {
		return fmt.Errorf("不是維基百科網域: %s", u.Host)
	}
	if !strings.HasPrefix(u.Path, "/wiki/") || len(u.Path) <= len("/wiki/") {
		return fmt.Errorf("不是條目頁路徑: %s", u.Path)
	}
	return nil
}

// PageSelector 頁面選擇協作方
//
// 對核心而言是不透明的同步函數：給定配置，回傳起點與終點頁，
// 或者失敗。失敗會被映射為 PageSelectionFailed，開始流程中止，
// 房間停留在 lobby。
type PageSelector interface {
	SelectPages(cfg GameConfig) (start, end PageRef, err error)
}

// CategorySelector 以內建分類資料庫實現頁面選擇
//
// 每個分類維護一組精選條目；"Random" 從所有分類中挑。
// 保證 start ≠ end（同頁會重抽）。
type CategorySelector struct {
	categories map[string][]string
	names      []string // 穩定排序的分類名稱
}

// NewCategorySelector 建立內建分類的頁面選擇器
func NewCategorySelector() *CategorySelector {
	s := &CategorySelector{categories: categoryPages}
	for name := range s.categories {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Categories 回傳可用的分類名稱（不含 Random）
func (s *CategorySelector) Categories() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// SelectPages 依配置選出起點與終點頁
func (s *CategorySelector) SelectPages(cfg GameConfig) (PageRef, PageRef, error) {
	start, err := s.pick(cfg.StartCategory, cfg.CustomStartURL)
	if err != nil {
		return PageRef{}, PageRef{}, err
	}

	// 終點頁與起點頁相同時重抽（自訂頁除外，重抽也不會變）
	for attempt := 0; attempt < 10; attempt++ {
		end, err := s.pick(cfg.EndCategory, cfg.CustomEndURL)
		if err != nil {
			return PageRef{}, PageRef{}, err
		}
		if end.URL != start.URL {
			return start, end, nil
		}
		if cfg.CustomEndURL != "" {
			break
		}
	}
	return PageRef{}, PageRef{}, fmt.Errorf("無法選出相異的起點與終點頁")
}

// pick 選出單一頁面：自訂網址優先，否則從分類中隨機挑選
func (s *CategorySelector) pick(category, customURL string) (PageRef, error) {
	if customURL != "" {
		if err := validateWikiURL(customURL); err != nil {
			return PageRef{}, err
		}
		return PageRef{URL: customURL, Title: TitleFromURL(customURL)}, nil
	}

	if category == "" || category == CategoryRandom {
		category = s.names[randInt(len(s.names))]
	}
	pages, ok := s.categories[category]
	if !ok || len(pages) == 0 {
		return PageRef{}, fmt.Errorf("分類沒有可用頁面: %s", category)
	}
	u := pages[randInt(len(pages))]
	return PageRef{URL: u, Title: TitleFromURL(u)}, nil
}

// TitleFromURL 從條目網址推導顯示標題
func TitleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	seg := strings.TrimPrefix(u.Path, "/wiki/")
	if decoded, err := url.PathUnescape(seg); err == nil {
		seg = decoded
	}
	return strings.ReplaceAll(seg, "_", " ")
}

func knownCategory(name string) bool {
	if name == CategoryRandom {
		return true
	}
	_, ok := categoryPages[name]
	return ok
}

// randInt 生成 [0, max) 的隨機數
func randInt(max int) int {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		// 隨機讀取失敗時退回時間作為隨機源
		return int(time.Now().UnixNano()) % max
	}
	return (int(b[0])<<8 | int(b[1])) % max
}

// categoryPages 內建分類資料庫
var categoryPages = map[string][]string{
	"Animals": {
		"https://en.wikipedia.org/wiki/Lion",
		"https://en.wikipedia.org/wiki/Tiger",
		"https://en.wikipedia.org/wiki/Elephant",
		"https://en.wikipedia.org/wiki/Giraffe",
		"https://en.wikipedia.org/wiki/Penguin",
		"https://en.wikipedia.org/wiki/Dolphin",
		"https://en.wikipedia.org/wiki/Eagle",
		"https://en.wikipedia.org/wiki/Shark",
	},
	"Buildings": {
		"https://en.wikipedia.org/wiki/Eiffel_Tower",
		"https://en.wikipedia.org/wiki/Empire_State_Building",
		"https://en.wikipedia.org/wiki/Burj_Khalifa",
		"https://en.wikipedia.org/wiki/Taj_Mahal",
		"https://en.wikipedia.org/wiki/Colosseum",
		"https://en.wikipedia.org/wiki/Pyramids_of_Giza",
		"https://en.wikipedia.org/wiki/Big_Ben",
		"https://en.wikipedia.org/wiki/Notre-Dame_de_Paris",
	},
	"Celebrities": {
		"https://en.wikipedia.org/wiki/Leonardo_DiCaprio",
		"https://en.wikipedia.org/wiki/Oprah_Winfrey",
		"https://en.wikipedia.org/wiki/Taylor_Swift",
		"https://en.wikipedia.org/wiki/Elon_Musk",
		"https://en.wikipedia.org/wiki/Beyonc%C3%A9",
		"https://en.wikipedia.org/wiki/Bill_Gates",
		"https://en.wikipedia.org/wiki/Emma_Watson",
		"https://en.wikipedia.org/wiki/Tom_Hanks",
	},
	"Countries": {
		"https://en.wikipedia.org/wiki/United_States",
		"https://en.wikipedia.org/wiki/France",
		"https://en.wikipedia.org/wiki/Japan",
		"https://en.wikipedia.org/wiki/Brazil",
		"https://en.wikipedia.org/wiki/Australia",
		"https://en.wikipedia.org/wiki/Canada",
		"https://en.wikipedia.org/wiki/Germany",
		"https://en.wikipedia.org/wiki/Italy",
	},
	"Gaming": {
		"https://en.wikipedia.org/wiki/Minecraft",
		"https://en.wikipedia.org/wiki/Fortnite",
		"https://en.wikipedia.org/wiki/Pok%C3%A9mon",
		"https://en.wikipedia.org/wiki/Super_Mario",
		"https://en.wikipedia.org/wiki/World_of_Warcraft",
		"https://en.wikipedia.org/wiki/League_of_Legends",
		"https://en.wikipedia.org/wiki/Call_of_Duty",
		"https://en.wikipedia.org/wiki/Grand_Theft_Auto",
	},
	"Literature": {
		"https://en.wikipedia.org/wiki/Harry_Potter",
		"https://en.wikipedia.org/wiki/Lord_of_the_Rings",
		"https://en.wikipedia.org/wiki/Shakespeare",
		"https://en.wikipedia.org/wiki/Mark_Twain",
		"https://en.wikipedia.org/wiki/Charles_Dickens",
		"https://en.wikipedia.org/wiki/Jane_Austen",
		"https://en.wikipedia.org/wiki/Hemingway",
		"https://en.wikipedia.org/wiki/Tolkien",
	},
	"Music": {
		"https://en.wikipedia.org/wiki/Beatles",
		"https://en.wikipedia.org/wiki/Michael_Jackson",
		"https://en.wikipedia.org/wiki/Elvis_Presley",
		"https://en.wikipedia.org/wiki/Madonna",
		"https://en.wikipedia.org/wiki/Queen_(band)",
		"https://en.wikipedia.org/wiki/Bob_Dylan",
		"https://en.wikipedia.org/wiki/David_Bowie",
		"https://en.wikipedia.org/wiki/Prince_(musician)",
	},
	"STEM": {
		"https://en.wikipedia.org/wiki/Albert_Einstein",
		"https://en.wikipedia.org/wiki/Isaac_Newton",
		"https://en.wikipedia.org/wiki/Marie_Curie",
		"https://en.wikipedia.org/wiki/Charles_Darwin",
		"https://en.wikipedia.org/wiki/Nikola_Tesla",
		"https://en.wikipedia.org/wiki/Stephen_Hawking",
		"https://en.wikipedia.org/wiki/Leonardo_da_Vinci",
		"https://en.wikipedia.org/wiki/Galileo_Galilei",
	},
	"HistoricalEvents": {
		"https://en.wikipedia.org/wiki/World_War_II",
		"https://en.wikipedia.org/wiki/American_Revolution",
		"https://en.wikipedia.org/wiki/Renaissance",
		"https://en.wikipedia.org/wiki/Industrial_Revolution",
		"https://en.wikipedia.org/wiki/French_Revolution",
		"https://en.wikipedia.org/wiki/Civil_War",
		"https://en.wikipedia.org/wiki/Space_Race",
		"https://en.wikipedia.org/wiki/Cold_War",
	},
	"MostLinked": {
		"https://en.wikipedia.org/wiki/United_States",
		"https://en.wikipedia.org/wiki/World_War_II",
		"https://en.wikipedia.org/wiki/United_Kingdom",
		"https://en.wikipedia.org/wiki/France",
		"https://en.wikipedia.org/wiki/Germany",
		"https://en.wikipedia.org/wiki/Japan",
		"https://en.wikipedia.org/wiki/Russia",
		"https://en.wikipedia.org/wiki/China",
	},
	"USPresidents": {
		"https://en.wikipedia.org/wiki/George_Washington",
		"https://en.wikipedia.org/wiki/Abraham_Lincoln",
		"https://en.wikipedia.org/wiki/Franklin_D._Roosevelt",
		"https://en.wikipedia.org/wiki/Thomas_Jefferson",
		"https://en.wikipedia.org/wiki/Theodore_Roosevelt",
		"https://en.wikipedia.org/wiki/John_F._Kennedy",
		"https://en.wikipedia.org/wiki/Ronald_Reagan",
		"https://en.wikipedia.org/wiki/Barack_Obama",
	},
}
