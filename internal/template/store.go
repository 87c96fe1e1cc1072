package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a template ID or label is not registered.
var ErrNotFound = errors.New("template not found")

// ErrDuplicate is returned when a template label is already registered.
var ErrDuplicate = errors.New("template already registered")

// Store persists the template registry via SQLite.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the registry database.
func NewStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Template{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Add registers a template. The ID is assigned here; a duplicate label is
// rejected with ErrDuplicate.
func (s *Store) Add(ctx context.Context, t *Template) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Template{}).Where("label = ?", t.Label).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Label)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// Get retrieves a template by ID.
func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	var t Template
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &t, nil
}

// GetByLabel retrieves a template by its label.
func (s *Store) GetByLabel(ctx context.Context, label string) (*Template, error) {
	var t Template
	if err := s.db.WithContext(ctx).Where("label = ?", label).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
		}
		return nil, err
	}
	return &t, nil
}

// Update saves changes to an existing template.
func (s *Store) Update(ctx context.Context, t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("%w: template has no ID", ErrNotFound)
	}
	return s.db.WithContext(ctx).Save(t).Error
}

// Remove unregisters a template. The backing image file is not touched.
func (s *Store) Remove(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Template{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns all templates ordered by label.
func (s *Store) List(ctx context.Context) ([]*Template, error) {
	var templates []*Template
	if err := s.db.WithContext(ctx).Order("label").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// ByRoleKind returns the templates usable for one role kind. Generic
// templates match every kind, and disposable-app templates are usable
// wherever an app template is.
func (s *Store) ByRoleKind(ctx context.Context, kind RoleKind) ([]*Template, error) {
	kinds := []RoleKind{kind, KindGeneric}
	if kind == KindApp {
		kinds = append(kinds, KindDisposable)
	}

	var templates []*Template
	if err := s.db.WithContext(ctx).Where("role_kind IN ?", kinds).Order("label").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}
