package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/astromechza/session-sync/pkg/session"
)

type sessionRow struct {
	ID          string  `gorm:"primaryKey;size:36;not null"`
	Name        string  `gorm:"size:255;not null"`
	CreatorID   string  `gorm:"index;size:64;not null;default:''"`
	TextContent string  `gorm:"type:text;not null;default:''"`
	CodeContent string  `gorm:"type:text;not null;default:''"`
	ImageURL    *string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toSession() session.Session {
	return session.Session{
		ID:          r.ID,
		Name:        r.Name,
		CreatorID:   r.CreatorID,
		TextContent: r.TextContent,
		CodeContent: r.CodeContent,
		ImageURL:    r.ImageURL,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// Store keeps session records in any database gorm can talk to; production uses postgres.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects with dsn, sizes the pool and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(ctx, db)
}

// New wraps an open gorm handle and migrates the sessions table.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("Database tables migrated")
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	return sqlDB.Close()
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("failed to get session: %w: %w", session.ErrStoreUnavailable, err)
	}
	return row.toSession(), nil
}

func (s *Store) UpdateSessionFields(ctx context.Context, id string, fields session.Fields) (time.Time, error) {
	updatedAt := s.now().UTC()
	updates := map[string]any{}
	if fields.Text != nil {
		updates["text_content"] = *fields.Text
	}
	if fields.Code != nil {
		updates["code_content"] = *fields.Code
	}
	if fields.ImageURL != nil {
		if *fields.ImageURL == "" {
			updates["image_url"] = nil
		} else {
			updates["image_url"] = *fields.ImageURL
		}
	}
	updates["updated_at"] = gorm.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END", updatedAt, updatedAt)

	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).UpdateColumns(updates)
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("failed to update session: %w: %w", session.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, session.ErrNotFound
	}
	return updatedAt, nil
}

func (s *Store) CreateSession(ctx context.Context, name, creatorID string) (session.Session, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	row := sessionRow{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return session.Session{}, fmt.Errorf("failed to create session: %w: %w", session.ErrStoreUnavailable, err)
	}
	return row.toSession(), nil
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w: %w", session.ErrStoreUnavailable, err)
	}
	out := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSession())
	}
	return out, nil
}
