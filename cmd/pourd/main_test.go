package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dbPath := filepath.Join(dir, "pour.db")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SIMULATE_DEVICE", "true")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_PATH", dbPath)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	require.NoError(t, cmd.Execute())

	_, err := os.Stat(dbPath)
	require.NoError(t, err)

	gormDB, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	assert.True(t, gormDB.Migrator().HasTable("events"))
	assert.True(t, gormDB.Migrator().HasTable("push_subscriptions"))
}

func TestMigrateCommand_BadConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--config", "does-not-exist.yaml"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
