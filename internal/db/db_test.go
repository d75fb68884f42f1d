package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pos.db")

	conn, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer conn.Close()

	var count int
	require.NoError(t, conn.QueryRow(CountRecords, "syncQueue").Scan(&count))
	assert.Zero(t, count)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")

	for i := 0; i < 3; i++ {
		conn, err := Open(Config{Path: path})
		require.NoError(t, err, "iteration %d", i)
		conn.Close()
	}

	conn, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer conn.Close()

	var applied int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(migrations), applied)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
