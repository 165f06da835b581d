// Matching timeline posts against a keyword policy, fingerprinting them for
// dedup, and composing the comment attached to a quote.
package quote

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/minio/sha256-simd"
	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var DefaultKeywords = []string{
	"肉", "お肉", "焼肉", "ステーキ", "ハンバーグ", "すき焼き", "しゃぶしゃぶ",
	"牛肉", "豚肉", "鶏肉", "ラム肉", "ジンギスカン", "バーベキュー", "BBQ",
	"焼き鳥", "唐揚げ", "とんかつ", "牛丼", "豚丼", "焼き豚", "ローストビーフ",
	"ミートボール", "ハンバーガー", "チキン", "ポーク", "ビーフ", "肉汁",
}

var DefaultNGKeywords = []string{"血", "殺", "死", "病気", "腐", "毒", "汚い", "嫌い"}

type Candidate struct {
	// post URI on the source platform
	SourceID        string
	CID             string
	Author          string
	AuthorDID       string
	Text            string
	MatchedKeywords []string
	Fingerprint     string
}

// Normalize applies NFKC compatibility folding (full-width to half-width and
// so on) followed by case folding.
func Normalize(s string) string {
	// transformers carry state, so the chain is built per call
	t := transform.Chain(norm.NFKC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return strings.ToLower(s)
	}
	return out
}

type Policy struct {
	keywords []string
	ng       []string
	// normalized forms, same order as the originals
	normKeywords []string
	normNG       []string
}

func NewPolicy(keywords, ng []string) *Policy {
	p := &Policy{}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			p.keywords = append(p.keywords, k)
			p.normKeywords = append(p.normKeywords, Normalize(k))
		}
	}
	for _, k := range ng {
		if k = strings.TrimSpace(k); k != "" {
			p.ng = append(p.ng, k)
			p.normNG = append(p.normNG, Normalize(k))
		}
	}
	return p
}

func (p *Policy) Keywords() []string   { return p.keywords }
func (p *Policy) NGKeywords() []string { return p.ng }

// Match returns the policy keywords contained in text, or nil when none match
// or any NG keyword is present.
func (p *Policy) Match(text string) []string {
	n := Normalize(text)
	for _, ng := range p.normNG {
		if strings.Contains(n, ng) {
			return nil
		}
	}
	var matched []string
	for i, k := range p.normKeywords {
		if strings.Contains(n, k) {
			matched = append(matched, p.keywords[i])
		}
	}
	return matched
}

// Fingerprint identifies post content independent of whitespace and case, so
// reposts of the same text share a fingerprint. Empty text falls back to the
// source id.
func Fingerprint(text, sourceID string) string {
	basis := strings.Join(strings.Fields(Normalize(text)), " ")
	if basis == "" {
		basis = "id:" + sourceID
	}
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])
}

// ParseKeywordList splits a comma separated list, dropping blanks.
func ParseKeywordList(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// LoadKeywordFile reads one keyword per line. Blank lines and lines starting
// with '#' are ignored.
func LoadKeywordFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyword file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading keyword file: %w", err)
	}
	return out, nil
}
