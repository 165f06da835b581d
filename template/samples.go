package template

import (
	"context"
	"fmt"
)

func SampleTemplates() []Template {
	return []Template{
		{Category: "お肉", Tone: "可愛い", Text: "🐻 {greeting}！今日のお肉は最高だよ〜 {emoji}"},
		{Category: "お肉", Tone: "元気", Text: "🍖 お肉パワーで今日も頑張るぞ！{time}だよ〜"},
		{Category: "お肉", Tone: "癒し", Text: "🥩 お肉を食べると心が温かくなるね {emoji} {greeting}"},
		{Category: "日常", Tone: "可愛い", Text: "🐻 {greeting}！今日も{emoji}で頑張ろうね"},
		{Category: "季節", Tone: "元気", Text: "✨ {weather}の日はお肉が美味しいね！{time}だよ〜"},
	}
}

// SeedIfEmpty adds SampleTemplates when the store has no templates at all.
// Returns the number of templates added.
func SeedIfEmpty(ctx context.Context, s StoreWriter) (int, error) {
	existing, err := s.ListTemplates(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	added := 0
	for _, t := range SampleTemplates() {
		if _, err := s.AddTemplate(ctx, t); err != nil {
			return added, fmt.Errorf("seeding templates: %w", err)
		}
		added++
	}
	return added, nil
}
