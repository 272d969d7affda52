// Package config loads each component's configuration in precedence order:
// built-in defaults, then a TOML file, then MAELSTROM_<COMPONENT>_*
// environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// Bytes is a byte count that accepts human-friendly sizes ("10GB", "512m")
// wherever it is parsed: TOML, environment, or flags.
type Bytes int64

// ParseBytes parses a human-friendly byte size.
func ParseBytes(s string) (Bytes, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: bad byte size %q: %w", s, err)
	}
	return Bytes(n), nil
}

func (b Bytes) String() string {
	return units.BytesSize(float64(b))
}

// UnmarshalText lets TOML carry sizes as strings.
func (b *Bytes) UnmarshalText(text []byte) error {
	parsed, err := ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText renders sizes back in human form for --print-config.
func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Broker is the broker process's configuration.
type Broker struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	ArtifactRoot  string `toml:"artifact_root"`
	LogLevel      string `toml:"log_level"`
	LogJSON       bool   `toml:"log_json"`
}

// DefaultBroker returns the broker's built-in defaults.
func DefaultBroker() Broker {
	return Broker{
		Listen:        ":9986",
		MetricsListen: ":9987",
		ArtifactRoot:  "/var/lib/maelstrom/artifacts",
		LogLevel:      "info",
	}
}

// Worker is the worker process's configuration.
type Worker struct {
	Broker               string `toml:"broker"`
	Slots                uint16 `toml:"slots"`
	CacheRoot            string `toml:"cache_root"`
	CacheBytesUsedTarget Bytes  `toml:"cache_bytes_used_target"`
	InlineLimit          Bytes  `toml:"inline_limit"`
	MetricsListen        string `toml:"metrics_listen"`
	LogLevel             string `toml:"log_level"`
	LogJSON              bool   `toml:"log_json"`
}

// DefaultWorker returns the worker's built-in defaults.
func DefaultWorker() Worker {
	return Worker{
		Slots:                4,
		CacheRoot:            "/var/cache/maelstrom",
		CacheBytesUsedTarget: 1 << 30,
		InlineLimit:          1 << 20,
		MetricsListen:        ":9988",
		LogLevel:             "info",
	}
}

// Driver is the test-driver's configuration.
type Driver struct {
	Broker   string `toml:"broker"`
	BuildDir string `toml:"build_dir"`
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
}

// DefaultDriver returns the test driver's built-in defaults.
func DefaultDriver() Driver {
	return Driver{
		BuildDir: "target",
		LogLevel: "info",
	}
}

// loadFile overlays the TOML file at path onto v. An empty path is a
// no-op; a named but missing file is an error.
func loadFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Print renders cfg as TOML on stdout, the --print-config behavior.
func Print(cfg any) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: rendering config: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// --- environment overlay helpers ---

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: bad boolean in %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envUint16(key string, dst *uint16) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad number in %s: %w", key, err)
	}
	*dst = uint16(parsed)
	return nil
}

func envBytes(key string, dst *Bytes) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := ParseBytes(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

// --- flag overlay helpers (only flags the user actually set win) ---

func flagString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		*dst = v
	}
}

func flagBool(flags *pflag.FlagSet, name string, dst *bool) {
	if flags.Changed(name) {
		v, _ := flags.GetBool(name)
		*dst = v
	}
}

func flagUint16(flags *pflag.FlagSet, name string, dst *uint16) {
	if flags.Changed(name) {
		v, _ := flags.GetUint16(name)
		*dst = v
	}
}

func flagBytes(flags *pflag.FlagSet, name string, dst *Bytes) error {
	if !flags.Changed(name) {
		return nil
	}
	v, _ := flags.GetString(name)
	parsed, err := ParseBytes(v)
	if err != nil {
		return fmt.Errorf("config: flag --%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

// LoadBroker resolves the broker's configuration from all four layers.
func LoadBroker(flags *pflag.FlagSet) (Broker, error) {
	cfg := DefaultBroker()

	configFile, _ := flags.GetString("config-file")
	if err := loadFile(configFile, &cfg); err != nil {
		return cfg, err
	}

	envString("MAELSTROM_BROKER_LISTEN", &cfg.Listen)
	envString("MAELSTROM_BROKER_METRICS_LISTEN", &cfg.MetricsListen)
	envString("MAELSTROM_BROKER_ARTIFACT_ROOT", &cfg.ArtifactRoot)
	envString("MAELSTROM_BROKER_LOG_LEVEL", &cfg.LogLevel)
	if err := envBool("MAELSTROM_BROKER_LOG_JSON", &cfg.LogJSON); err != nil {
		return cfg, err
	}

	flagString(flags, "listen", &cfg.Listen)
	flagString(flags, "metrics-listen", &cfg.MetricsListen)
	flagString(flags, "artifact-root", &cfg.ArtifactRoot)
	flagString(flags, "log-level", &cfg.LogLevel)
	flagBool(flags, "log-json", &cfg.LogJSON)
	return cfg, nil
}

// LoadWorker resolves the worker's configuration from all four layers.
func LoadWorker(flags *pflag.FlagSet) (Worker, error) {
	cfg := DefaultWorker()

	configFile, _ := flags.GetString("config-file")
	if err := loadFile(configFile, &cfg); err != nil {
		return cfg, err
	}

	envString("MAELSTROM_WORKER_BROKER", &cfg.Broker)
	if err := envUint16("MAELSTROM_WORKER_SLOTS", &cfg.Slots); err != nil {
		return cfg, err
	}
	envString("MAELSTROM_WORKER_CACHE_ROOT", &cfg.CacheRoot)
	if err := envBytes("MAELSTROM_WORKER_CACHE_BYTES_USED_TARGET", &cfg.CacheBytesUsedTarget); err != nil {
		return cfg, err
	}
	if err := envBytes("MAELSTROM_WORKER_INLINE_LIMIT", &cfg.InlineLimit); err != nil {
		return cfg, err
	}
	envString("MAELSTROM_WORKER_METRICS_LISTEN", &cfg.MetricsListen)
	envString("MAELSTROM_WORKER_LOG_LEVEL", &cfg.LogLevel)
	if err := envBool("MAELSTROM_WORKER_LOG_JSON", &cfg.LogJSON); err != nil {
		return cfg, err
	}

	flagString(flags, "broker", &cfg.Broker)
	flagUint16(flags, "slots", &cfg.Slots)
	flagString(flags, "cache-root", &cfg.CacheRoot)
	if err := flagBytes(flags, "cache-bytes-used-target", &cfg.CacheBytesUsedTarget); err != nil {
		return cfg, err
	}
	if err := flagBytes(flags, "inline-limit", &cfg.InlineLimit); err != nil {
		return cfg, err
	}
	flagString(flags, "metrics-listen", &cfg.MetricsListen)
	flagString(flags, "log-level", &cfg.LogLevel)
	flagBool(flags, "log-json", &cfg.LogJSON)
	return cfg, nil
}

// LoadDriver resolves the test driver's configuration from all four layers.
func LoadDriver(flags *pflag.FlagSet) (Driver, error) {
	cfg := DefaultDriver()

	configFile, _ := flags.GetString("config-file")
	if err := loadFile(configFile, &cfg); err != nil {
		return cfg, err
	}

	envString("MAELSTROM_DRIVER_BROKER", &cfg.Broker)
	envString("MAELSTROM_DRIVER_BUILD_DIR", &cfg.BuildDir)
	envString("MAELSTROM_DRIVER_LOG_LEVEL", &cfg.LogLevel)
	if err := envBool("MAELSTROM_DRIVER_LOG_JSON", &cfg.LogJSON); err != nil {
		return cfg, err
	}

	flagString(flags, "broker", &cfg.Broker)
	flagString(flags, "build-dir", &cfg.BuildDir)
	flagString(flags, "log-level", &cfg.LogLevel)
	flagBool(flags, "log-json", &cfg.LogJSON)
	return cfg, nil
}
