package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/config"
	"groupcast/internal/domain"
	"groupcast/internal/store"
)

func resetFlags() {
	configPath, addrFlag, dbFlag, levelFlag = "", "", "", ""
	attemptsFlag = 0
}

func TestCommandStructure(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "tasks", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, serveCmd.Flags().Lookup("debug"))
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	path := filepath.Join(t.TempDir(), "groupcast.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \":9000\"\n"), 0o644))

	configPath = path
	dbFlag = "/tmp/other.db"
	levelFlag = "debug"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/other.db", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)

	addrFlag = ":7000"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoadConfig_Invalid(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	path := filepath.Join(t.TempDir(), "groupcast.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nworkers = -1\n"), 0o644))
	configPath = path

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, setupLogging(config.LoggingConfig{Level: "warn", Format: "json"}))
	require.NoError(t, setupLogging(config.LoggingConfig{Level: "info", Format: "console"}))
	assert.Error(t, setupLogging(config.LoggingConfig{Level: "loud", Format: "console"}))
}

func TestPrintTasks(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)

	db, err := store.Open(filepath.Join(t.TempDir(), "groupcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLiteRepo(db)
	ctx := context.Background()

	// Empty store, no session.
	require.NoError(t, printTasks(ctx, repo))

	now := time.Now().UTC()
	require.NoError(t, repo.SaveSession(ctx, domain.Session{Phone: "+100", APIID: 1, APIHash: "h", CreatedAt: now}))
	require.NoError(t, repo.UpsertTask(ctx, domain.Task{
		ID: "tsk_a", Group: "Family", Rule: domain.IntervalRule(5), Text: "hi",
		Status: domain.StatusRunning, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.RecordAttempt(ctx, domain.Attempt{
		TaskID: "tsk_a", StartedAt: now, FinishedAt: now, Success: false, Error: "group not found",
	}))

	attemptsFlag = 3
	require.NoError(t, printTasks(ctx, repo))
}

func TestStatusLabel(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusRunning, domain.StatusStopped, domain.StatusScheduled, "odd"} {
		assert.Contains(t, statusLabel(s), string(s))
	}
}
