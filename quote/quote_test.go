package quote

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyMatch(t *testing.T) {
	assert := assert.New(t)
	p := NewPolicy(DefaultKeywords, DefaultNGKeywords)

	assert.Nil(p.Match("今日は良い天気ですね〜お散歩日和です"))
	assert.Equal([]string{"肉", "焼肉"}, p.Match("焼肉パーティーしました🍖"))

	// full-width and case differences still match
	assert.Contains(p.Match("週末はＢＢＱ！"), "BBQ")
	assert.Contains(p.Match("週末は bbq"), "BBQ")

	// any NG keyword rejects the post outright
	assert.Nil(p.Match("このステーキ、腐ってた"))

	empty := NewPolicy(nil, nil)
	assert.Nil(empty.Match("お肉"))
}

func TestPolicyTrimsBlanks(t *testing.T) {
	p := NewPolicy([]string{" ステーキ ", "", "  "}, []string{""})
	assert.Equal(t, []string{"ステーキ"}, p.Keywords())
	assert.Empty(t, p.NGKeywords())
}

func TestFingerprint(t *testing.T) {
	assert := assert.New(t)

	a := Fingerprint("美味しいステーキ 最高", "at://a/1")
	b := Fingerprint("  美味しいステーキ\n最高 ", "at://b/2")
	assert.Equal(a, b)
	assert.Len(a, 64)

	assert.NotEqual(a, Fingerprint("美味しいハンバーグ", "at://a/1"))

	// empty text falls back to the source id
	assert.Equal(Fingerprint("", "at://a/1"), Fingerprint("  ", "at://a/1"))
	assert.NotEqual(Fingerprint("", "at://a/1"), Fingerprint("", "at://a/2"))
}

func TestComment(t *testing.T) {
	assert := assert.New(t)
	c := NewCommenter(1)

	night := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	out := c.Comment("美味しいステーキを食べました", night)
	assert.Contains([]string{"🥩 ステーキ美味しそう！", "🔥 ステーキ最高ですね！"}, out)

	// earlier entries take priority
	out = c.Comment("ステーキと焼肉", night)
	assert.Contains(out, "ステーキ")

	out = c.Comment("唐揚げ", night)
	assert.Contains(defaultComments, out)

	lunch := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out = c.Comment("唐揚げ", lunch)
	assert.True(strings.HasSuffix(out, " お昼のお肉タイム！"))
}

func TestMealSuffix(t *testing.T) {
	assert := assert.New(t)
	assert.NotEmpty(MealSuffix(6))
	assert.Empty(MealSuffix(10))
	assert.NotEmpty(MealSuffix(13))
	assert.Empty(MealSuffix(14))
	assert.NotEmpty(MealSuffix(20))
	assert.Empty(MealSuffix(21))
	assert.Empty(MealSuffix(3))
}

func TestKeywordLists(t *testing.T) {
	assert := assert.New(t)
	assert.Equal([]string{"血", "毒"}, ParseKeywordList(" 血, ,毒,"))

	path := filepath.Join(t.TempDir(), "ng.txt")
	require.NoError(t, os.WriteFile(path, []byte("# NG words\n血\n\n  毒  \n"), 0o644))
	words, err := LoadKeywordFile(path)
	require.NoError(t, err)
	assert.Equal([]string{"血", "毒"}, words)

	_, err = LoadKeywordFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(err)
}
