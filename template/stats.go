package template

import (
	"context"
)

type Stats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByTone     map[string]int `json:"by_tone"`
}

func ComputeStats(ctx context.Context, s Store) (*Stats, error) {
	templates, err := s.ListTemplates(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	st := Stats{
		Total:      len(templates),
		ByCategory: map[string]int{},
		ByTone:     map[string]int{},
	}
	for _, t := range templates {
		st.ByCategory[t.Category]++
		st.ByTone[t.Tone]++
	}
	return &st, nil
}
