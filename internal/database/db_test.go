package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "signalmirror.db"),
		Profile: ProfileStandard,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_OpensAndPingsConnection(t *testing.T) {
	db := newTestDB(t)
	assert.NotNil(t, db.Conn())
	assert.Equal(t, "test", db.Name())
}

func TestBootstrap_AppliesSchemaIdempotently(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap())
	require.NoError(t, db.Bootstrap(), "re-applying the schema must be a no-op, not an error")

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'positions'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestHealthCheck_PassesOnFreshDatabase(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap())
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestWALCheckpoint_DefaultsToTruncateMode(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap())
	assert.NoError(t, db.WALCheckpoint(""))
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap())

	sentinel := assert.AnError
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO subscribers (id, risk_fraction, leverage, created_at, updated_at) VALUES (?, ?, ?, 0, 0)`, "sub-rollback", 0.01, 5)
		require.NoError(t, execErr)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM subscribers WHERE id = ?`, "sub-rollback").Scan(&n))
	assert.Equal(t, 0, n, "a failed transaction must leave no trace")
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Bootstrap())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO subscribers (id, risk_fraction, leverage, created_at, updated_at) VALUES (?, ?, ?, 0, 0)`, "sub-commit", 0.01, 5)
		return execErr
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM subscribers WHERE id = ?`, "sub-commit").Scan(&n))
	assert.Equal(t, 1, n)
}
