package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore keeps entries in a SQL table through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the retry table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm retry store requires db")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate retry table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// OpenSQLite opens (creating if needed) a sqlite file at path.
func OpenSQLite(path string) (*GormStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create retry db directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open retry db: %w", err)
	}
	return NewGormStore(db)
}

func (g *GormStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := g.db.WithContext(ctx).Where("resource_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (g *GormStore) Put(ctx context.Context, e *Entry) error {
	return g.db.WithContext(ctx).Save(e).Error
}

func (g *GormStore) Delete(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).Where("resource_key = ?", key).Delete(&Entry{}).Error
}

func (g *GormStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	if err := g.db.WithContext(ctx).Order("seq").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying database connections.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
