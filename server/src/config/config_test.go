package config

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args []string) CLI {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return cli
}

func TestDefaults(t *testing.T) {
	cli := parseArgs(t, []string{})

	require.Empty(t, cli.Host)
	require.Equal(t, uint16(8765), cli.Port)
	require.Empty(t, cli.Cert)
	require.Empty(t, cli.Key)
	require.Equal(t, "./uploads", cli.UploadDir)
	require.Equal(t, int64(500), cli.MaxFileSizeMB)
	require.Equal(t, uint64(14400), cli.RoomExpirySeconds)
	require.Equal(t, uint64(300), cli.CleanupSeconds)
	require.False(t, cli.Debug)
}

func TestFlagOverrides(t *testing.T) {
	cli := parseArgs(t, []string{
		"--host", "127.0.0.1",
		"--port", "9000",
		"--uploaddir", "/tmp/clips",
		"--maxfilesizemb", "50",
		"--roomexpiryseconds", "60",
		"--debug",
	})

	require.Equal(t, "127.0.0.1", cli.Host)
	require.Equal(t, uint16(9000), cli.Port)
	require.Equal(t, "/tmp/clips", cli.UploadDir)
	require.Equal(t, int64(50), cli.MaxFileSizeMB)
	require.Equal(t, uint64(60), cli.RoomExpirySeconds)
	require.True(t, cli.Debug)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RDM_PORT", "8080")
	t.Setenv("RDM_MAX_FILE_SIZE_MB", "100")
	t.Setenv("RDM_DEBUG", "true")

	cli := parseArgs(t, []string{})

	require.Equal(t, uint16(8080), cli.Port)
	require.Equal(t, int64(100), cli.MaxFileSizeMB)
	require.True(t, cli.Debug)
}

func TestDerivedValues(t *testing.T) {
	cli := parseArgs(t, []string{})

	require.Equal(t, int64(500*1024*1024), cli.MaxFileSizeBytes())
	require.Equal(t, 4*time.Hour, cli.RoomExpiry())
	require.Equal(t, 5*time.Minute, cli.CleanupInterval())
}
