package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/pay?sslmode=disable", migrateURL("postgres://u:p@db:5432/pay?sslmode=disable"))
	assert.Equal(t, "pgx5://db/pay", migrateURL("postgresql://db/pay"))
	assert.Equal(t, "pgx5://db/pay", migrateURL("pgx5://db/pay"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations, "migrations/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
