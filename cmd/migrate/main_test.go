package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

func TestRunOfflineCommands(t *testing.T) {
	dir := t.TempDir()

	done, err := runOffline(options{cmd: "create", dir: dir})
	require.True(t, done)
	require.ErrorContains(t, err, "missing -name")

	done, err = runOffline(options{cmd: "create", dir: dir, name: "add result index"})
	require.True(t, done)
	require.NoError(t, err)
	matches, err := filepath.Glob(filepath.Join(dir, "*_add_result_index.sql"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	done, err = runOffline(options{cmd: "validate", dir: dir})
	require.True(t, done)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "oops.sql"), []byte("-- +goose Up\n"), 0o644))
	_, err = runOffline(options{cmd: "validate", dir: dir})
	require.Error(t, err)

	done, _ = runOffline(options{cmd: "up", dir: dir})
	require.False(t, done)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), logger.Nop(), options{cmd: "redo", dir: t.TempDir()})
	require.ErrorContains(t, err, "unknown -cmd")
}

func TestKnownDatabaseCommands(t *testing.T) {
	for _, name := range []string{"up", "down", "status", "reset", "version"} {
		require.Contains(t, dbCommands, name)
	}
	err := dbCommands["version"](context.Background(), nil, "sqlite3", options{})
	require.ErrorContains(t, err, "missing -version")
}
