package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "redis://localhost:6379/1", cfg.BrokerURI)
	require.Equal(t, 20, cfg.MaxConnections)
	require.Equal(t, AsyncNone, cfg.AsyncMode)
	require.Equal(t, 60*1e9, float64(cfg.SendTimeout()))
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_uri: redis://broker:6380/2\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis://broker:6380/2", cfg.BrokerURI)
	require.Equal(t, 20, cfg.MaxConnections) // untouched field keeps its default
}

func TestLoadRejectsInvalidMaxConnections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_connections: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGetEnvConfigPrefixTakesPriority(t *testing.T) {
	t.Setenv("WORMHOLE_BROKER_URI", "redis://prefixed:6379/0")
	t.Setenv("BROKER_URI", "redis://plain:6379/0")
	require.Equal(t, "redis://prefixed:6379/0", GetEnvConfig("BROKER_URI", "redis://default:6379/0"))
}

func TestGetEnvConfigFallsBackToPlainThenDefault(t *testing.T) {
	require.Equal(t, "redis://default:6379/0", GetEnvConfig("NOT_SET_ANYWHERE", "redis://default:6379/0"))

	t.Setenv("PLAIN_ONLY", "redis://plain:6379/0")
	require.Equal(t, "redis://plain:6379/0", GetEnvConfig("PLAIN_ONLY", "redis://default:6379/0"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("WORMHOLE_MAX_PARALLEL_WORKERS", "7")
	require.Equal(t, 7, GetEnvInt("MAX_PARALLEL_WORKERS", 1))
	require.Equal(t, 1, GetEnvInt("NOT_SET_ANYWHERE", 1))

	t.Setenv("WORMHOLE_BAD_INT", "not-a-number")
	require.Equal(t, 1, GetEnvInt("BAD_INT", 1))
}

func TestStandardConfigResolverPrefersExplicitFlag(t *testing.T) {
	flag := "/explicit/path.yaml"
	r := &StandardConfigResolver{NodeName: "node", ConfigFlag: &flag}
	require.Equal(t, flag, r.Resolve())
}

func TestStandardConfigResolverFallsBackToCWDConfigDir(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	require.NoError(t, os.Mkdir("config", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("config", "myNode.yaml"), []byte("debug: true\n"), 0o644))

	r := &StandardConfigResolver{NodeName: "myNode"}
	require.Equal(t, filepath.Join("config", "myNode.yaml"), r.Resolve())
}

func TestStandardConfigResolverReturnsEmptyWhenNothingFound(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	r := &StandardConfigResolver{NodeName: "ghost"}
	require.Equal(t, "", r.Resolve())
}
