package quote

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

type keywordComments struct {
	keyword  string
	comments []string
}

// checked in order, first hit wins
var specificComments = []keywordComments{
	{"ステーキ", []string{"🥩 ステーキ美味しそう！", "🔥 ステーキ最高ですね！"}},
	{"焼肉", []string{"🍖 焼肉いいな〜！", "🐻 焼肉パーティー楽しそう！"}},
	{"ハンバーグ", []string{"🍴 ハンバーグ食べたい！", "😋 ジューシーで美味しそう！"}},
	{"BBQ", []string{"🔥 BBQ楽しそう！", "🥩 アウトドアでお肉最高！"}},
	{"バーベキュー", []string{"🔥 BBQ楽しそう！", "🥩 アウトドアでお肉最高！"}},
}

var defaultComments = []string{
	"🐻 おいしそう！",
	"🥩 お肉だ〜！食べたい！",
	"😋 これは美味しそうですね〜",
	"🤤 お肉愛が伝わってきます！",
	"🐻💕 素敵なお肉ですね！",
	"🥩✨ 美味しそうで羨ましいです！",
	"🍴 いいですね〜食べてみたい！",
	"🐻🥩 お肉最高〜！",
	"😍 とても美味しそう！",
	"🥩🔥 素晴らしいお肉ですね！",
}

type Commenter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewCommenter(seed int64) *Commenter {
	return &Commenter{rng: rand.New(rand.NewSource(seed))}
}

func (c *Commenter) pick(options []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return options[c.rng.Intn(len(options))]
}

// Comment composes the text attached to a quote of a post.
func (c *Commenter) Comment(text string, now time.Time) string {
	n := Normalize(text)
	base := ""
	for _, kc := range specificComments {
		if strings.Contains(n, Normalize(kc.keyword)) {
			base = c.pick(kc.comments)
			break
		}
	}
	if base == "" {
		base = c.pick(defaultComments)
	}
	return base + MealSuffix(now.Hour())
}

func MealSuffix(hour int) string {
	switch {
	case hour >= 6 && hour < 10:
		return " 朝からお肉いいですね〜"
	case hour >= 11 && hour < 14:
		return " お昼のお肉タイム！"
	case hour >= 17 && hour < 21:
		return " 夕食が楽しみになります！"
	default:
		return ""
	}
}
