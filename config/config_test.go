package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := New()
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(nil))

	cfg := Load(v)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 200*time.Millisecond, cfg.GCInterval)
	require.Empty(t, cfg.MetricsAddr)
	require.Empty(t, cfg.SocketPath)
}

func TestFlagOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := New()
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse([]string{"--log-level=debug", "--gc-interval=50ms"}))

	cfg := Load(v)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 50*time.Millisecond, cfg.GCInterval)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOCKREF_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := New()
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(nil))

	cfg := Load(v)
	require.Equal(t, "warn", cfg.LogLevel)
}
