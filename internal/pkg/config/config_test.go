package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEmbeddedDefault(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)

	require.Equal(t, "1.0", cfg.Version)
	require.Contains(t, cfg.Node.ListenAddrs, "0.0.0.0:7000")
	require.Contains(t, cfg.Channels, "vnode")
	require.True(t, cfg.Channels["vnode"].Monotonic)

	level, err := cfg.Channels["default"].CompressionLevel()
	require.NoError(t, err)
	require.Equal(t, -1, level)
}

func TestParseCustomDir(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
version: "1.0"
node:
  name: "n1"
  listen_addrs: ["127.0.0.1:9000"]
channels:
  default:
    parallelism: 1
    compression: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), content, 0o644))

	cfg, err := Parse(dir)
	require.NoError(t, err)
	require.Equal(t, "n1", cfg.Node.Name)
	require.Equal(t, dir, cfg.ConfigDirectory)
}

func TestParseCustomDirMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Parse(dir)
	require.Error(t, err)
}

func TestCompressionLevelRange(t *testing.T) {
	cc := ChannelConfig{Compression: 11}
	_, err := cc.CompressionLevel()
	require.Error(t, err)

	cc = ChannelConfig{Compression: 5}
	level, err := cc.CompressionLevel()
	require.NoError(t, err)
	require.Equal(t, 5, level)
}
