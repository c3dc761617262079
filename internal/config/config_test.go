package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
[main]
db_host = localhost
db_port = 5432
workers_cnt = 4
log_pretty = true
fastpings = Count, Buckets , Sniff

[Buckets]
name = Buckets.Buckets
threshold = 10
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.ini")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoadAndScalarGetters(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	host, err := cfg.Get("db_host")
	require.NoError(t, err)
	require.Equal(t, "localhost", host)

	port, err := cfg.GetInt("db_port")
	require.NoError(t, err)
	require.Equal(t, 5432, port)

	require.Equal(t, 4, cfg.GetIntDefault("workers_cnt", 1))
	require.Equal(t, 1, cfg.GetIntDefault("missing_key", 1))
	require.True(t, cfg.GetBoolDefault("log_pretty", false))

	_, err = cfg.Get("no_such_key")
	require.Error(t, err)
}

func TestGetListTrimsAndSplits(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Equal(t, []string{"Count", "Buckets", "Sniff"}, cfg.GetList("fastpings"))
	require.Nil(t, cfg.GetList("absent"))
}

func TestPluginsExcludesMainSection(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	plugins := cfg.Plugins()
	require.Len(t, plugins, 1)
	require.Equal(t, "Buckets", plugins[0].Section)
	require.Equal(t, "Buckets.Buckets", plugins[0].Name)
	require.Equal(t, "10", plugins[0].Values["threshold"])
}

func TestLoadRejectsMissingMainSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.ini")
	require.NoError(t, os.WriteFile(path, []byte("[Buckets]\nname = x\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
