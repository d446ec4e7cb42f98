package migrate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func TestMigrationsApplyAndRollBack(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)

	require.NoError(t, Run(ctx, sqlDB, DialectSQLite, "migrations", "up"))

	job := models.GenerationJob{
		Mode:          enums.GenerationModeChain,
		Provider:      enums.ProviderSynthetic,
		MediaType:     enums.GenerationModeChain.InitialMediaType(),
		Status:        enums.JobStatusProcessing,
		Prompt:        "a lighthouse at dusk",
		ReferenceURLs: []string{"https://ref/1.png"},
	}
	require.NoError(t, conn.Create(&job).Error)
	require.NotEqual(t, uuid.Nil, job.ID)

	var loaded models.GenerationJob
	require.NoError(t, conn.First(&loaded, "id = ?", job.ID).Error)
	require.Equal(t, []string{"https://ref/1.png"}, []string(loaded.ReferenceURLs))

	bad := models.GenerationJob{Mode: "poem", Provider: "x", MediaType: "image", Status: enums.JobStatusProcessing, Prompt: "p"}
	require.Error(t, conn.Create(&bad).Error)

	event := models.OutboxEvent{EventType: enums.EventJobCompleted, AggregateType: enums.AggregateGenerationJob, AggregateID: job.ID, Payload: []byte(`{}`)}
	require.NoError(t, conn.Create(&event).Error)

	require.NoError(t, Run(ctx, sqlDB, DialectSQLite, "migrations", "reset"))
	require.False(t, conn.Migrator().HasTable(&models.GenerationJob{}))
	require.False(t, conn.Migrator().HasTable(&models.OutboxEvent{}))
}

func TestMigrateToVersion(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)

	require.NoError(t, MigrateToVersion(ctx, sqlDB, DialectSQLite, "migrations", "20260301120000"))
	require.True(t, conn.Migrator().HasTable(&models.GenerationJob{}))
	require.False(t, conn.Migrator().HasTable(&models.OutboxEvent{}))

	require.NoError(t, MigrateToVersion(ctx, sqlDB, DialectSQLite, "migrations", "20260301120500"))
	require.True(t, conn.Migrator().HasTable(&models.OutboxDLQ{}))

	require.Error(t, MigrateToVersion(ctx, sqlDB, DialectSQLite, "migrations", "latest"))
}

func TestRunRequiresDBAndDir(t *testing.T) {
	require.Error(t, Run(context.Background(), nil, DialectSQLite, "migrations", "up"))

	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	require.Error(t, Run(context.Background(), sqlDB, DialectSQLite, "", "up"))
}

func TestDialectFor(t *testing.T) {
	require.Equal(t, DialectSQLite, DialectFor(true))
	require.Equal(t, DialectPostgres, DialectFor(false))
}

func TestRepositoryMigrationsValidate(t *testing.T) {
	require.NoError(t, ValidateDir("migrations"))
}

func TestCreateThenValidate(t *testing.T) {
	dir := t.TempDir()

	path, err := CreateSQLMigration(dir, "Add Provider Index!")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "_add_provider_index.sql"))
	require.NoError(t, ValidateDir(dir))

	_, err = CreateSQLMigration(dir, "!!!")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644))
	require.ErrorContains(t, ValidateDir(dir), "invalid migration filename")
}

func TestValidateRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101000000_only_up.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o644))
	require.ErrorContains(t, ValidateDir(dir), "missing \"-- +goose Down\"")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	unclosed := "-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\nSELECT 1;\n"
	reversed := "-- +goose Down\nSELECT 1;\n-- +goose Up\nSELECT 1;\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101000000_unclosed.sql"), []byte(unclosed), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101000001_reversed.sql"), []byte(reversed), 0o644))

	err := ValidateDir(dir)
	require.ErrorContains(t, err, "unclosed statement block")
	require.ErrorContains(t, err, "Down before Up")
	require.Len(t, multierr.Errors(err), 2)
}

func TestMigrationSlug(t *testing.T) {
	require.Equal(t, "add_provider_index", migrationSlug("  Add--Provider   Index "))
	require.Equal(t, "v2_jobs", migrationSlug("V2 jobs!"))
	require.Empty(t, migrationSlug("***"))
}

func TestEmbeddedMigrationsMatchDisk(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)

	require.NoError(t, Run(ctx, sqlDB, DialectSQLite, EmbeddedDir, "up"))
	require.True(t, conn.Migrator().HasTable(&models.GenerationJob{}))
	require.True(t, conn.Migrator().HasTable(&models.OutboxDLQ{}))

	onDisk, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	require.NoError(t, err)
	inBinary, err := fs.Glob(embedded, "migrations/*.sql")
	require.NoError(t, err)
	require.Len(t, inBinary, len(onDisk))
}
