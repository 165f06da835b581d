package template

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type templateRow struct {
	ID        int64  `gorm:"primaryKey"`
	Text      string `gorm:"not null"`
	Category  string `gorm:"index;not null"`
	Tone      string `gorm:"index;not null"`
	Active    bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
}

func (templateRow) TableName() string {
	return "templates"
}

func (r templateRow) template() Template {
	return Template{
		ID:        r.ID,
		Text:      r.Text,
		Category:  r.Category,
		Tone:      r.Tone,
		CreatedAt: r.CreatedAt,
	}
}

// GormStore keeps templates in a SQL database. Only active rows are listed;
// deactivating a row is how a template is retired without losing history.
type GormStore struct {
	db *gorm.DB
}

var _ StoreWriter = (*GormStore)(nil)

// NewGormStore migrates the templates table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&templateRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrating templates table: %w", ErrStoreUnavailable, err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ListTemplates(ctx context.Context, f Filter) ([]Template, error) {
	q := s.db.WithContext(ctx).Model(&templateRow{}).Where("active = ?", true)
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Tone != "" {
		q = q.Where("tone = ?", f.Tone)
	}
	var rows []templateRow
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	out := make([]Template, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.template())
	}
	return out, nil
}

func (s *GormStore) AddTemplate(ctx context.Context, t Template) (Template, error) {
	if strings.TrimSpace(t.Text) == "" {
		return Template{}, fmt.Errorf("empty template text")
	}
	row := templateRow{
		ID:        t.ID,
		Text:      t.Text,
		Category:  t.Category,
		Tone:      t.Tone,
		Active:    true,
		CreatedAt: t.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Template{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return row.template(), nil
}

// SetActive toggles whether a template is offered for selection.
func (s *GormStore) SetActive(ctx context.Context, id int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&templateRow{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) ClearTemplates(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&templateRow{}).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
