// Turns a template plus the current time into final post text.
package render

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rivo/uniseg"

	"github.com/shooebill/nikune/template"
)

// Bluesky's post length limit, in graphemes
const DefaultMaxGraphemes = 300

const ellipsis = "..."

var tokenRegex = regexp.MustCompile(`\{[a-z_]+\}`)

var defaultEmojis = []string{"🐻", "🍖", "🥩", "🔥", "✨", "💕", "🌟", "😊", "🤗", "💖"}

var weatherEmojis = []string{"☀️", "⛅", "🌧️", "❄️", "🌈"}

var categoryEmojis = map[string][]string{
	"お肉":    {"🍖", "🥩", "🐻", "🔥"},
	"焼肉":    {"🍖", "🔥", "🥢"},
	"ステーキ":  {"🥩", "🔥", "🍴"},
	"ハンバーグ": {"🍴", "😋", "🍳"},
	"カレー":   {"🍛", "🥄"},
	"ラーメン":  {"🍜", "🥢"},
	"日常":    {"🐻", "😊", "🌟", "🤗"},
	"季節":    {"🌸", "🍁", "☃️", "🌻"},
}

// Renderer is safe for concurrent use. With a fixed seed and time its output
// is deterministic.
type Renderer struct {
	Emojis        map[string][]string
	DefaultEmojis []string
	Weather       []string
	MaxGraphemes  int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRenderer(seed int64) *Renderer {
	return &Renderer{
		Emojis:        categoryEmojis,
		DefaultEmojis: defaultEmojis,
		Weather:       weatherEmojis,
		MaxGraphemes:  DefaultMaxGraphemes,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (r *Renderer) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return options[r.rng.Intn(len(options))]
}

func (r *Renderer) emoji(category string) string {
	if set := r.Emojis[category]; len(set) > 0 {
		return r.pick(set)
	}
	return r.pick(r.DefaultEmojis)
}

// Render substitutes known placeholder tokens. Unknown tokens are left as-is.
// Never fails.
func (r *Renderer) Render(t template.Template, now time.Time) string {
	out := tokenRegex.ReplaceAllStringFunc(t.Text, func(tok string) string {
		switch tok {
		case "{greeting}":
			return Greeting(now.Hour())
		case "{time}":
			return now.Format("15:04")
		case "{hour}":
			return strconv.Itoa(now.Hour())
		case "{date}":
			return now.Format(time.DateOnly)
		case "{emoji}":
			return r.emoji(t.Category)
		case "{weather}":
			return r.pick(r.Weather)
		default:
			return tok
		}
	})
	return Truncate(out, r.MaxGraphemes)
}

type Bucket string

const (
	Morning   Bucket = "morning"
	Afternoon Bucket = "afternoon"
	Evening   Bucket = "evening"
	Night     Bucket = "night"
)

// GreetingBucket maps an hour (0-23) onto a time-of-day bucket. Cutoffs are
// 5, 11, 17 and 21.
func GreetingBucket(hour int) Bucket {
	switch {
	case hour >= 5 && hour < 11:
		return Morning
	case hour >= 11 && hour < 17:
		return Afternoon
	case hour >= 17 && hour < 21:
		return Evening
	default:
		return Night
	}
}

func Greeting(hour int) string {
	switch GreetingBucket(hour) {
	case Morning:
		return "おはよう"
	case Afternoon:
		return "こんにちは"
	case Evening:
		return "こんばんは"
	default:
		return "おつかれさま"
	}
}

// Truncate cuts s to at most max graphemes, ending with "..." when anything
// was dropped and max leaves room for it. Never splits a grapheme cluster.
// max <= 0 disables the limit.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	var clusters []string
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		clusters = append(clusters, gr.Str())
	}
	if len(clusters) <= max {
		return s
	}
	if max < len(ellipsis) {
		return strings.Join(clusters[:max], "")
	}
	return strings.Join(clusters[:max-len(ellipsis)], "") + ellipsis
}
