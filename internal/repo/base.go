// Package repo holds the gorm plumbing shared by the domain repositories:
// connection binding and the query scopes behind keyset listings.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/pagination"
)

// Base binds a repository to a connection or an open transaction.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the handle scoped to ctx; a nil ctx returns the raw handle.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Bind returns a copy scoped to tx; a nil tx keeps the current connection.
func (b Base) Bind(tx *gorm.DB) Base {
	if tx == nil {
		return b
	}
	return Base{db: tx}
}

// WhereIfSet filters column = value unless value is the zero string.
func WhereIfSet[T ~string](column string, value T) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if value == "" {
			return q
		}
		return q.Where(column+" = ?", value)
	}
}

// NewestFirst applies the (created_at DESC, id DESC) order that keyset
// cursors are built on.
func NewestFirst(q *gorm.DB) *gorm.DB {
	return q.Order("created_at DESC").Order("id DESC")
}

// After keeps rows strictly older than cursor in NewestFirst order. A nil
// cursor is the first page.
func After(cursor *pagination.Cursor) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if cursor == nil {
			return q
		}
		return q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
}

// Page caps the query at limit plus one row so the caller can tell whether a
// next page exists.
func Page(limit int) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Limit(pagination.LimitWithBuffer(limit))
	}
}
