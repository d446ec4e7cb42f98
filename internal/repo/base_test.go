package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/pagination"
)

type ctxKey struct{}

type row struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Status    string
	CreatedAt time.Time
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:repo_base?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.Migrator().DropTable(&row{}))
	require.NoError(t, conn.AutoMigrate(&row{}))
	return conn
}

func TestBaseBindsContextAndTx(t *testing.T) {
	db := newTestDB(t)
	base := NewBase(db)

	ctx := context.WithValue(context.Background(), ctxKey{}, "value")
	require.Equal(t, ctx, base.DB(ctx).Statement.Context)
	//nolint:staticcheck // nil context returns the raw handle
	require.Same(t, db, base.DB(nil))

	require.Same(t, db, base.Bind(nil).db)
	tx := db.Begin()
	defer tx.Rollback()
	require.Same(t, tx, base.Bind(tx).db)
}

func TestKeysetScopesWalkNewestFirst(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		status := "processing"
		if i%2 == 0 {
			status = "ready"
		}
		require.NoError(t, db.Create(&row{ID: uuid.New(), Status: status, CreatedAt: start.Add(time.Duration(i) * time.Minute)}).Error)
	}

	var first []row
	require.NoError(t, db.Scopes(NewestFirst, Page(2)).Find(&first).Error)
	require.Len(t, first, 3)
	page, next := pagination.Trim(first, 2, func(r row) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
	require.Len(t, page, 2)
	require.NotNil(t, next)
	require.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	var rest []row
	require.NoError(t, db.Scopes(After(next), NewestFirst, Page(10)).Find(&rest).Error)
	require.Len(t, rest, 3)
	require.True(t, rest[0].CreatedAt.Before(page[1].CreatedAt))

	var ready []row
	require.NoError(t, db.Scopes(WhereIfSet("status", "ready"), NewestFirst).Find(&ready).Error)
	require.Len(t, ready, 3)

	var all []row
	require.NoError(t, db.Scopes(WhereIfSet("status", ""), After(nil)).Find(&all).Error)
	require.Len(t, all, 5)
}
