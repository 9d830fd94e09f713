package tsb

import (
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel mirrors the tsbLogLevel configuration option.
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch s {
	case "TRACE":
		return LogLevelTrace
	case "WARN":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Config holds the recognized configuration options, resolved from
// environment variables first and then overridden by any Option passed to
// Init.
type Config struct {
	// TSBLength is the target retention window, in seconds, used by the
	// default cull horizon.
	TSBLength float64
	// Location is the backing storage location for the store.
	Location string
	// MinFreePercentage: writes fail with ErrNoSpace below this free
	// threshold, 0-100.
	MinFreePercentage float64
	// MaxDiskStorage is the hard quota, in bytes, for the store's own
	// accounting.
	MaxDiskStorage int64
	// LogLevel controls internal log verbosity.
	LogLevel LogLevel
	// Logger receives all internal log output. Defaults to a no-op logger.
	Logger log.Logger
	// WriteQueueDepth bounds the write task channel. EnqueueWrite drops
	// the oldest pending task once the queue is full.
	WriteQueueDepth int
	// RetentionInterval is how often UpdateProgress is expected. Nothing
	// in the package reads it and it does not drive a ticker — retention
	// is caller-driven, per the design.
	RetentionInterval time.Duration
}

const envPrefix = "AAMP_TSB_"

func envFloat(name string, fallback float64) float64 {
	if v := os.Getenv(envPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envString(name string, fallback string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return fallback
}

// defaultConfig resolves Config from AAMP_TSB_* environment variables,
// falling back to the documented defaults.
func defaultConfig() *Config {
	cfg := &Config{
		TSBLength:         envFloat("LENGTH_SECONDS", 900),
		Location:          envString("LOCATION", os.TempDir()),
		MinFreePercentage: envFloat("MIN_FREE_PERCENTAGE", 5),
		MaxDiskStorage:    envInt64("MAX_DISK_STORAGE", 1<<30),
		LogLevel:          parseLogLevel(envString("LOG_LEVEL", "INFO")),
		Logger:            log.NewNopLogger(),
		WriteQueueDepth:   256,
		RetentionInterval: time.Second,
	}
	return cfg
}

// Option mutates a Config during Init.
type Option func(*Config)

// OptTSBLength overrides the retention window in seconds.
func OptTSBLength(seconds float64) Option {
	return func(c *Config) { c.TSBLength = seconds }
}

// OptLocation overrides the backing storage location.
func OptLocation(path string) Option {
	return func(c *Config) { c.Location = path }
}

// OptMinFreePercentage overrides the minimum free space percentage policy.
func OptMinFreePercentage(pct float64) Option {
	return func(c *Config) { c.MinFreePercentage = pct }
}

// OptMaxDiskStorage overrides the store's byte quota.
func OptMaxDiskStorage(bytes int64) Option {
	return func(c *Config) { c.MaxDiskStorage = bytes }
}

// OptLogger overrides the logger; internal levels are applied over it with
// go-kit/log/level.
func OptLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// OptLogLevel overrides the log verbosity.
func OptLogLevel(l LogLevel) Option {
	return func(c *Config) { c.LogLevel = l }
}

// OptWriteQueueDepth overrides the bounded write-task queue depth.
func OptWriteQueueDepth(n int) Option {
	return func(c *Config) { c.WriteQueueDepth = n }
}

// leveledLogger applies the configured LogLevel as a go-kit/log level
// filter, so Trace-level Log calls are dropped below LogLevelTrace, etc.
func leveledLogger(cfg *Config) log.Logger {
	var opt level.Option
	switch cfg.LogLevel {
	case LogLevelTrace:
		opt = level.AllowAll()
	case LogLevelWarn:
		opt = level.AllowWarn()
	case LogLevelError:
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(cfg.Logger, opt)
}
