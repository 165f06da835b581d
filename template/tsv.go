package template

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Vocabulary is the master list of allowed categories and tones. An empty
// list allows any value.
type Vocabulary struct {
	Categories []string
	Tones      []string
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Categories: []string{"お肉", "日常", "季節", "焼肉", "ステーキ", "ハンバーグ", "カレー", "ラーメン", "グルメ"},
		Tones:      []string{"可愛い", "元気", "癒し"},
	}
}

func (v Vocabulary) Validate(category, tone string) error {
	if len(v.Categories) > 0 && !slices.Contains(v.Categories, category) {
		return fmt.Errorf("unknown category: %q", category)
	}
	if len(v.Tones) > 0 && !slices.Contains(v.Tones, tone) {
		return fmt.Errorf("unknown tone: %q", tone)
	}
	return nil
}

type ImportResult struct {
	Imported int
	// rows with missing columns
	Incomplete int
	// rows rejected by the vocabulary
	Invalid int
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// ImportTSV reads tab-separated rows with a header containing "category",
// "tone" and "template" columns (any order, extra columns ignored).
func ImportTSV(ctx context.Context, w Writer, r io.Reader, vocab Vocabulary) (ImportResult, error) {
	var res ImportResult
	cr := newTSVReader(r)

	header, err := cr.Read()
	if err == io.EOF {
		return res, fmt.Errorf("empty TSV input")
	} else if err != nil {
		return res, fmt.Errorf("reading TSV header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, required := range []string{"category", "tone", "template"} {
		if _, ok := cols[required]; !ok {
			return res, fmt.Errorf("TSV header missing column: %s", required)
		}
	}

	field := func(row []string, name string) string {
		i := cols[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading TSV row: %w", err)
		}
		category := field(row, "category")
		tone := field(row, "tone")
		text := field(row, "template")
		if category == "" || tone == "" || text == "" {
			res.Incomplete++
			continue
		}
		if err := vocab.Validate(category, tone); err != nil {
			slog.Warn("skipping template row", "err", err)
			res.Invalid++
			continue
		}
		if _, err := w.AddTemplate(ctx, Template{Text: text, Category: category, Tone: tone}); err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return res, err
			}
			slog.Warn("skipping template row", "err", err)
			res.Invalid++
			continue
		}
		res.Imported++
	}
	return res, nil
}

// ExportTSV writes matching templates in a format ImportTSV accepts.
func ExportTSV(ctx context.Context, s Store, w io.Writer, f Filter) (int, error) {
	templates, err := s.ListTemplates(ctx, f)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write([]string{"id", "category", "tone", "template", "created_at"}); err != nil {
		return 0, err
	}
	for _, t := range templates {
		row := []string{
			strconv.FormatInt(t.ID, 10),
			t.Category,
			t.Tone,
			t.Text,
			t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(templates), cw.Error()
}
