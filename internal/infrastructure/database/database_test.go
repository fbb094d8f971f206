package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a fresh database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func TestOpen(t *testing.T) {
	t.Run("creates nested directory and file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "spool", "nested", "uplink.db")

		db, err := Open(Config{Path: dbPath, WALMode: true, BusyTimeout: 5})
		require.NoError(t, err)
		defer db.Close() //nolint:errcheck // Test cleanup

		assert.FileExists(t, dbPath)
		assert.Equal(t, dbPath, db.Path())
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := Open(Config{})
		assert.Error(t, err)
	})
}

func TestConnectionString(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		contains []string
		excludes []string
	}{
		{
			name:     "wal defaults to normal sync",
			cfg:      Config{Path: "/tmp/a.db", WALMode: true, BusyTimeout: 5},
			contains: []string{"_busy_timeout=5000", "_journal_mode=WAL", "_synchronous=NORMAL"},
		},
		{
			name:     "explicit full sync",
			cfg:      Config{Path: "/tmp/a.db", WALMode: true, Synchronous: "full"},
			contains: []string{"_journal_mode=WAL", "_synchronous=FULL"},
		},
		{
			name:     "no wal no sync override",
			cfg:      Config{Path: "/tmp/a.db"},
			excludes: []string{"_journal_mode", "_synchronous"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := connectionString(tt.cfg)
			for _, want := range tt.contains {
				assert.Contains(t, dsn, want)
			}
			for _, bad := range tt.excludes {
				assert.NotContains(t, dsn, bad)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.NoError(t, db.HealthCheck(ctx))
}

func TestHealthCheck_Closed(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.DB.Close())

	assert.Error(t, db.HealthCheck(context.Background()))
}

func TestClose(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Close())

	db.DB = nil
	assert.NoError(t, db.Close(), "Close on nil DB")
}

func TestWithTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "CREATE TABLE spool (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)

	t.Run("commits on success", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO spool (body) VALUES (?)", "kept")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, db, "kept"))
	})

	t.Run("rolls back and returns sentinel", func(t *testing.T) {
		errAbort := errors.New("abort")
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO spool (body) VALUES (?)", "discarded"); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)
		assert.Zero(t, countRows(t, db, "discarded"), "expected rollback")
	})
}

func countRows(t *testing.T, db *DB, body string) int {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM spool WHERE body = ?", body).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := Open(Config{Path: dbPath, WALMode: true, Synchronous: "FULL"})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE TABLE spool (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO spool (body) VALUES ('survives')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(Config{Path: dbPath, WALMode: true})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // Test cleanup

	assert.Equal(t, 1, countRows(t, db, "survives"), "row should survive reopen")
}
