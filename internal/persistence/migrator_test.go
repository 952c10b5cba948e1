package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigratorScan_PairsUpAndDownFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_liquidations.up.sql",
		"000001_command_log.up.sql",
		"000001_command_log.down.sql",
		"000003_orphan.down.sql",
		"README.md",
		"notes.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000004_dir.up.sql"), 0o700))

	all, err := NewMigrator(nil, dir, zerolog.Nop()).scan()
	require.NoError(t, err)

	assert.Len(t, all, 3)
	assert.Equal(t, migration{version: "000001", up: "000001_command_log.up.sql", down: "000001_command_log.down.sql"}, all["000001"])
	assert.Equal(t, "000002_liquidations.up.sql", all["000002"].up)
	assert.Empty(t, all["000002"].down)
	assert.Empty(t, all["000003"].up)
}

func TestMigratorScan_MissingDir(t *testing.T) {
	_, err := NewMigrator(nil, filepath.Join(t.TempDir(), "absent"), zerolog.Nop()).scan()
	require.Error(t, err)
}
