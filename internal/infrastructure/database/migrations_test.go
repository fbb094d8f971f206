package database

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useMigrations swaps the package migration source for the duration of a test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"schema/20260101_000000_spool.up.sql": {
			Data: []byte("CREATE TABLE spool (id INTEGER PRIMARY KEY, body TEXT);"),
		},
		"schema/20260101_000000_spool.down.sql": {
			Data: []byte("DROP TABLE spool;"),
		},
		"schema/20260102_000000_spool_index.up.sql": {
			Data: []byte("CREATE INDEX idx_spool_body ON spool(body);"),
		},
		"schema/README.md": {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations(), "schema")
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.True(t, tableExists(t, db, "spool"), "table spool not created")

	applied, pending, err := db.GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Empty(t, pending)

	// Idempotent.
	require.NoError(t, db.Migrate(ctx))
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations(), "schema")
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))

	// The index migration has no down file.
	assert.Error(t, db.MigrateDown(ctx))
}

func TestMigrateDown_DropsTable(t *testing.T) {
	fsys := testMigrations()
	delete(fsys, "schema/20260102_000000_spool_index.up.sql")
	useMigrations(t, fsys, "schema")
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.MigrateDown(ctx))
	assert.False(t, tableExists(t, db, "spool"), "table spool should be dropped")

	_, pending, err := db.GetMigrationStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "pending migrations after rollback")
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	useMigrations(t, testMigrations(), "schema")
	db := openTestDB(t)

	assert.NoError(t, db.MigrateDown(context.Background()))
}

func TestMigrate_NoSource(t *testing.T) {
	useMigrations(t, nil, ".")
	db := openTestDB(t)

	assert.NoError(t, db.Migrate(context.Background()))
}

func TestMigrate_MissingUpFile(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("SELECT 1;")},
	}, ".")
	db := openTestDB(t)

	assert.Error(t, db.Migrate(context.Background()), "a version with only a down file")
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		wantVersion string
		wantUp      bool
		wantOK      bool
	}{
		{"20260301_090000_message_store.up.sql", "20260301_090000", true, true},
		{"20260301_090000_message_store.down.sql", "20260301_090000", false, true},
		{"20260301_090000.up.sql", "20260301_090000", true, true},
		{"message_store.sql", "", false, false},
		{"notes.txt", "", false, false},
		{"single.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantVersion, version)
			if ok {
				assert.Equal(t, tt.wantUp, isUp)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	assert.Equal(t, "message_store", extractMigrationName("20260301_090000_message_store.up.sql"))
}
