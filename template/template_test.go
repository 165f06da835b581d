package template

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shooebill/nikune/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTSV = "category\ttone\ttemplate\n" +
	"お肉\t可愛い\t🐻 {greeting}！お肉の時間だよ\n" +
	"日常\t元気\t今日も{emoji}で頑張ろう\n" +
	"お肉\t\t抜けている行\n" +
	"宇宙\t可愛い\t知らないカテゴリ\n" +
	"季節\t癒し\t{weather}の日はのんびり\n"

func testStoreBasics(t *testing.T, s StoreWriter) {
	assert := assert.New(t)
	ctx := context.Background()

	all, err := s.ListTemplates(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(all)

	added, err := SeedIfEmpty(ctx, s)
	require.NoError(t, err)
	assert.Equal(len(SampleTemplates()), added)

	// second seed is a no-op
	added, err = SeedIfEmpty(ctx, s)
	require.NoError(t, err)
	assert.Equal(0, added)

	meat, err := s.ListTemplates(ctx, Filter{Category: "お肉"})
	require.NoError(t, err)
	assert.Len(meat, 3)
	for _, tmpl := range meat {
		assert.Equal("お肉", tmpl.Category)
		assert.NotZero(tmpl.ID)
	}
	assert.True(meat[0].ID < meat[1].ID)

	cute, err := s.ListTemplates(ctx, Filter{Category: "お肉", Tone: "可愛い"})
	require.NoError(t, err)
	assert.Len(cute, 1)

	none, err := s.ListTemplates(ctx, Filter{Category: "存在しない"})
	require.NoError(t, err)
	assert.Empty(none)

	_, err = s.AddTemplate(ctx, Template{Category: "日常", Tone: "元気", Text: "  "})
	assert.Error(err)

	require.NoError(t, s.ClearTemplates(ctx))
	all, err = s.ListTemplates(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(all)
}

func TestMemStore(t *testing.T) {
	testStoreBasics(t, NewMemStore())
}

func testGormStore(t *testing.T) *GormStore {
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "templates.db"), 1)
	require.NoError(t, err)
	s, err := NewGormStore(db)
	require.NoError(t, err)
	return s
}

func TestGormStore(t *testing.T) {
	testStoreBasics(t, testGormStore(t))
}

func TestGormStoreInactive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testGormStore(t)

	tmpl, err := s.AddTemplate(ctx, Template{Category: "お肉", Tone: "元気", Text: "焼肉日和！"})
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, tmpl.ID, false))

	all, err := s.ListTemplates(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(all)

	assert.ErrorIs(s.SetActive(ctx, 9999, true), ErrNotFound)
	assert.NoError(s.Ping(ctx))
}

func TestImportExportTSV(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()

	res, err := ImportTSV(ctx, s, strings.NewReader(sampleTSV), DefaultVocabulary())
	require.NoError(t, err)
	assert.Equal(3, res.Imported)
	assert.Equal(1, res.Incomplete)
	assert.Equal(1, res.Invalid)

	var buf bytes.Buffer
	n, err := ExportTSV(ctx, s, &buf, Filter{Category: "お肉"})
	require.NoError(t, err)
	assert.Equal(1, n)
	assert.Contains(buf.String(), "🐻 {greeting}！お肉の時間だよ")

	// an export can be imported again
	other := NewMemStore()
	res, err = ImportTSV(ctx, other, &buf, DefaultVocabulary())
	require.NoError(t, err)
	assert.Equal(1, res.Imported)
}

func TestImportTSVHeader(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := ImportTSV(ctx, s, strings.NewReader(""), DefaultVocabulary())
	assert.Error(t, err)

	_, err = ImportTSV(ctx, s, strings.NewReader("category\ttext\nお肉\tこんにちは\n"), DefaultVocabulary())
	assert.ErrorContains(t, err, "tone")

	// empty vocabulary accepts anything
	res, err := ImportTSV(ctx, s, strings.NewReader("\ufefftone\tcategory\ttemplate\nなんでも\tどこでも\tやあ\n"), Vocabulary{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
}

func TestComputeStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()
	_, err := SeedIfEmpty(ctx, s)
	require.NoError(t, err)

	st, err := ComputeStats(ctx, s)
	require.NoError(t, err)
	assert.Equal(5, st.Total)
	assert.Equal(3, st.ByCategory["お肉"])
	assert.Equal(2, st.ByTone["元気"])
}
