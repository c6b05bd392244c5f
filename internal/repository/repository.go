package repository

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// Repository is the single persistence gateway. Soft-deleted rows are
// excluded by gorm's DeletedAt scope unless a method says otherwise.
type Repository struct {
	db       *gorm.DB
	folderMu sync.Mutex
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying connection for read-only reporting queries
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("database error loading %s: %w", what, err)
}
