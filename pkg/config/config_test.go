package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workerFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	flags.String("config-file", "", "")
	flags.String("broker", "", "")
	flags.Uint16("slots", 0, "")
	flags.String("cache-root", "", "")
	flags.String("cache-bytes-used-target", "", "")
	flags.String("inline-limit", "", "")
	flags.String("metrics-listen", "", "")
	flags.String("log-level", "", "")
	flags.Bool("log-json", false, "")
	return flags
}

func TestParseBytesAcceptsHumanSizes(t *testing.T) {
	cases := map[string]int64{
		"1024":  1024,
		"1k":    1024,
		"10MB":  10 * 1024 * 1024,
		"2GB":   2 * 1024 * 1024 * 1024,
		"512mb": 512 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.EqualValues(t, want, got, in)
	}

	_, err := ParseBytes("lots")
	assert.Error(t, err)
}

func TestWorkerDefaultsApplyWithoutOtherLayers(t *testing.T) {
	cfg, err := LoadWorker(workerFlags())
	require.NoError(t, err)
	assert.Equal(t, DefaultWorker(), cfg)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker = "broker.example:9986"
slots = 16
cache_bytes_used_target = "10GB"
`), 0o644))

	flags := workerFlags()
	require.NoError(t, flags.Parse([]string{"--config-file", path}))

	cfg, err := LoadWorker(flags)
	require.NoError(t, err)
	assert.Equal(t, "broker.example:9986", cfg.Broker)
	assert.EqualValues(t, 16, cfg.Slots)
	assert.EqualValues(t, 10*1024*1024*1024, cfg.CacheBytesUsedTarget)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultWorker().CacheRoot, cfg.CacheRoot)
}

func TestEnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`slots = 2`+"\n"+`broker = "from-file:1"`+"\n"), 0o644))

	t.Setenv("MAELSTROM_WORKER_SLOTS", "8")
	t.Setenv("MAELSTROM_WORKER_BROKER", "from-env:2")

	flags := workerFlags()
	require.NoError(t, flags.Parse([]string{"--config-file", path, "--broker", "from-flag:3"}))

	cfg, err := LoadWorker(flags)
	require.NoError(t, err)
	assert.EqualValues(t, 8, cfg.Slots, "env beats file")
	assert.Equal(t, "from-flag:3", cfg.Broker, "flag beats env")
}

func TestMissingNamedConfigFileIsAnError(t *testing.T) {
	flags := workerFlags()
	require.NoError(t, flags.Parse([]string{"--config-file", "/does/not/exist.toml"}))
	_, err := LoadWorker(flags)
	assert.Error(t, err)
}

func TestBadEnvValueIsAnError(t *testing.T) {
	t.Setenv("MAELSTROM_WORKER_SLOTS", "many")
	_, err := LoadWorker(workerFlags())
	assert.Error(t, err)
}

func TestBrokerLayering(t *testing.T) {
	t.Setenv("MAELSTROM_BROKER_LISTEN", ":7777")

	flags := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	flags.String("config-file", "", "")
	flags.String("listen", "", "")
	flags.String("metrics-listen", "", "")
	flags.String("artifact-root", "", "")
	flags.String("log-level", "", "")
	flags.Bool("log-json", false, "")
	require.NoError(t, flags.Parse([]string{"--artifact-root", "/srv/blobs"}))

	cfg, err := LoadBroker(flags)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, "/srv/blobs", cfg.ArtifactRoot)
	assert.Equal(t, DefaultBroker().MetricsListen, cfg.MetricsListen)
}
