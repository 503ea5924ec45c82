package migrations

import (
	"database/sql"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

func TestEmbeddedVersionsAreOrdered(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, versions)
}

func TestEveryUpHasDown(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	versions, err := Versions()
	require.NoError(t, err)
	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err, "up %d", v)
		upSQL, _ := io.ReadAll(up)
		up.Close()
		assert.NotEmpty(t, strings.TrimSpace(string(upSQL)))

		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "down %d", v)
		down.Close()
	}
}

func TestInitCreatesOwnershipTables(t *testing.T) {
	data, err := files.ReadFile("sql/0001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"profiles", "characters", "personas", "stories", "chats", "messages"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestUpIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Up(db))
	require.NoError(t, Up(db), "second run is a no-op")

	v, dirty, err := Version(db)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), v)
}
