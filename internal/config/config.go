package config

import (
	"io/fs"
	"strings"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/gpu"
	"codeberg.org/mutker/telemetryd/internal/host"
	"codeberg.org/mutker/telemetryd/internal/metrics"
	"codeberg.org/mutker/telemetryd/internal/pipeline"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"codeberg.org/mutker/telemetryd/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel   = LogLevelInfo
	DefaultPIDFile    = "telemetryd.pid"
	DefaultTargetName = "local"
	DefaultTargetPath = "telemetry.jsonl"

	defaultEnvPrefix  = "TELEMETRYD"
	defaultConfigName = "telemetryd"
	defaultEnvFile    = ".env"
)

var configPaths = []string{".", "$HOME/.config/telemetryd", "/etc/telemetryd"}

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	PIDFile    string           `mapstructure:"pid_file"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Targets    []TargetConfig   `mapstructure:"targets"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Sources    SourcesConfig    `mapstructure:"sources"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

type PipelineConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FlushCheck      time.Duration `mapstructure:"flush_check"`
	ChannelCapacity int           `mapstructure:"channel_capacity"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CollectorConfig struct {
	ReadingCapacity    int `mapstructure:"reading_capacity"`
	DiagnosticCapacity int `mapstructure:"diagnostic_capacity"`
}

type BatchConfig struct {
	Size                 int           `mapstructure:"size"`
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	MaxBytes             int           `mapstructure:"max_bytes"`
	Compression          string        `mapstructure:"compression"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
}

type ResilienceConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	CooldownMultiplier float64       `mapstructure:"cooldown_multiplier"`
	MaxCooldown        time.Duration `mapstructure:"max_cooldown"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	Jitter             float64       `mapstructure:"jitter"`
	BufferBatches      int           `mapstructure:"buffer_batches"`
	BufferBytes        int           `mapstructure:"buffer_bytes"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	ReplayRate         float64       `mapstructure:"replay_rate"`
}

// TargetConfig describes one entry of the [[targets]] list.
type TargetConfig struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	Subject         string        `mapstructure:"subject"`
	Stream          string        `mapstructure:"stream"`
	StreamLen       int64         `mapstructure:"stream_len"`
	BackupOnMigrate *bool         `mapstructure:"backup_on_migrate"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

type SourcesConfig struct {
	Host HostConfig `mapstructure:"host"`
	GPU  GPUConfig  `mapstructure:"gpu"`
}

type HostConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxSensors        int     `mapstructure:"max_sensors"`
	MemoryWarnPercent float64 `mapstructure:"memory_warn_percent"`
	TempWarnCelsius   float64 `mapstructure:"temp_warn_celsius"`
	TempCritCelsius   float64 `mapstructure:"temp_crit_celsius"`
}

type GPUConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	TempWarnCelsius int  `mapstructure:"temp_warn_celsius"`
	TempCritCelsius int  `mapstructure:"temp_crit_celsius"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":             "log_level",
	"pid-file":              "pid_file",
	"interval":              "pipeline.interval",
	"batch-size":            "batch.size",
	"flush-interval":        "batch.flush_interval",
	"compression":           "batch.compression",
	"compression-threshold": "batch.compression_threshold",
	"failure-threshold":     "resilience.failure_threshold",
	"cooldown":              "resilience.cooldown",
	"max-attempts":          "resilience.max_attempts",
	"buffer-batches":        "resilience.buffer_batches",
	"metrics":               "metrics.enabled",
	"metrics-addr":          "metrics.listen_addr",
	"gpu":                   "sources.gpu.enabled",
}

func newFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)

	flags.String("config", "", "Path to the configuration file")
	flags.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	flags.String("pid-file", DefaultPIDFile, "PID file path, relative paths resolve against the temp dir")
	flags.Duration("interval", pipeline.DefaultInterval, "Packet interval, 0 disables sampling")
	flags.Int("batch-size", batch.DefaultSize, "Packets per batch")
	flags.Duration("flush-interval", batch.DefaultFlushInterval, "Longest wait before a partial batch is flushed")
	flags.String("compression", string(batch.EncodingGzip), "Batch compression (none, gzip, zstd, lz4)")
	flags.Int("compression-threshold", batch.DefaultCompressionThreshold, "Payload bytes above which batches are compressed")
	flags.Int("failure-threshold", resilience.DefaultFailureThreshold, "Consecutive failures that open a circuit")
	flags.Duration("cooldown", resilience.DefaultCooldown, "Time an open circuit waits before a trial")
	flags.Int("max-attempts", resilience.DefaultMaxAttempts, "Send attempts per batch, including the first")
	flags.Int("buffer-batches", resilience.DefaultBufferBatches, "Batches held offline per target")
	flags.Bool("metrics", false, "Serve Prometheus metrics")
	flags.String("metrics-addr", metrics.DefaultConfig().ListenAddr, "Metrics listen address")
	flags.Bool("gpu", false, "Sample NVIDIA GPUs through NVML")

	return flags
}

func setDefaults(v *viper.Viper) {
	pc := pipeline.DefaultConfig()
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("pipeline.interval", pc.Interval)
	v.SetDefault("pipeline.flush_check", pc.FlushCheck)
	v.SetDefault("pipeline.channel_capacity", pc.ChannelCapacity)
	v.SetDefault("pipeline.shutdown_timeout", pc.ShutdownTimeout)

	cc := telemetry.DefaultConfig()
	v.SetDefault("collector.reading_capacity", cc.ReadingCapacity)
	v.SetDefault("collector.diagnostic_capacity", cc.DiagnosticCapacity)

	bc := batch.DefaultConfig()
	v.SetDefault("batch.size", bc.Size)
	v.SetDefault("batch.flush_interval", bc.FlushInterval)
	v.SetDefault("batch.max_bytes", bc.MaxBytes)
	v.SetDefault("batch.compression", string(bc.Compression))
	v.SetDefault("batch.compression_threshold", bc.CompressionThreshold)

	rc := resilience.DefaultConfig()
	v.SetDefault("resilience.failure_threshold", rc.Breaker.FailureThreshold)
	v.SetDefault("resilience.cooldown", rc.Breaker.Cooldown)
	v.SetDefault("resilience.cooldown_multiplier", rc.Breaker.CooldownMultiplier)
	v.SetDefault("resilience.max_cooldown", rc.Breaker.MaxCooldown)
	v.SetDefault("resilience.max_attempts", rc.Retry.MaxAttempts)
	v.SetDefault("resilience.initial_backoff", rc.Retry.InitialBackoff)
	v.SetDefault("resilience.max_backoff", rc.Retry.MaxBackoff)
	v.SetDefault("resilience.backoff_multiplier", rc.Retry.Multiplier)
	v.SetDefault("resilience.jitter", rc.Retry.Jitter)
	v.SetDefault("resilience.buffer_batches", rc.Buffer.MaxBatches)
	v.SetDefault("resilience.buffer_bytes", rc.Buffer.MaxBytes)
	v.SetDefault("resilience.attempt_timeout", rc.AttemptTimeout)
	v.SetDefault("resilience.replay_rate", rc.ReplayRate)

	v.SetDefault("targets", []map[string]any{{
		"name": DefaultTargetName,
		"kind": string(transport.KindFile),
		"path": DefaultTargetPath,
	}})

	mc := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", mc.Enabled)
	v.SetDefault("metrics.listen_addr", mc.ListenAddr)
	v.SetDefault("metrics.path", mc.Path)

	hc := host.DefaultConfig()
	v.SetDefault("sources.host.enabled", hc.Enabled)
	v.SetDefault("sources.host.max_sensors", hc.MaxSensors)
	v.SetDefault("sources.host.memory_warn_percent", hc.MemoryWarnPercent)
	v.SetDefault("sources.host.temp_warn_celsius", hc.TempWarnCelsius)
	v.SetDefault("sources.host.temp_crit_celsius", hc.TempCritCelsius)

	gc := gpu.DefaultConfig()
	v.SetDefault("sources.gpu.enabled", gc.Enabled)
	v.SetDefault("sources.gpu.temp_warn_celsius", gc.TempWarnCelsius)
	v.SetDefault("sources.gpu.temp_crit_celsius", gc.TempCritCelsius)
}

// Load resolves the configuration from, in order of precedence, command
// line flags, environment variables, the config file and the defaults.
// A .env file in the working directory is loaded into the environment
// first without overriding variables that are already set.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: defaultEnvPrefix, envFile: defaultEnvFile}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	flags := newFlagSet(defaultConfigName)
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path := o.configPath
	if f := flags.Lookup("config"); f.Changed {
		path = f.Value.String()
	}
	if path == "" {
		path = v.GetString("config")
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{ConfigFile: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(defaultConfigName)
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}
	return nil
}

// Validate checks every section by building the component configuration
// it describes.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, struct {
			Level string
		}{
			Level: c.LogLevel,
		})
	}
	if c.PIDFile == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "pid file path is required")
	}
	if len(c.Targets) == 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "at least one target is required")
	}

	if _, err := c.BatchConfig(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	checks := []func() error{
		c.PipelineConfig().Validate,
		c.CollectorConfig().Validate,
		c.ResilienceConfig().Validate,
		c.MetricsConfig().Validate,
		c.HostConfig().Validate,
		c.GPUConfig().Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	names := make(map[string]bool, len(c.Targets))
	for _, t := range c.TransportConfigs() {
		if names[t.Name] {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "duplicate target name "+t.Name)
		}
		names[t.Name] = true

		if err := t.Validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	return nil
}

func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Interval:        c.Pipeline.Interval,
		FlushCheck:      c.Pipeline.FlushCheck,
		ChannelCapacity: c.Pipeline.ChannelCapacity,
		ShutdownTimeout: c.Pipeline.ShutdownTimeout,
	}
}

func (c *Config) CollectorConfig() telemetry.Config {
	return telemetry.Config{
		ReadingCapacity:    c.Collector.ReadingCapacity,
		DiagnosticCapacity: c.Collector.DiagnosticCapacity,
	}
}

func (c *Config) BatchConfig() (batch.Config, error) {
	enc, err := batch.ParseEncoding(c.Batch.Compression)
	if err != nil {
		return batch.Config{}, err
	}
	cfg := batch.Config{
		Size:                 c.Batch.Size,
		FlushInterval:        c.Batch.FlushInterval,
		MaxBytes:             c.Batch.MaxBytes,
		Compression:          enc,
		CompressionThreshold: c.Batch.CompressionThreshold,
	}
	return cfg, cfg.Validate()
}

func (c *Config) ResilienceConfig() resilience.Config {
	r := c.Resilience
	return resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold:   r.FailureThreshold,
			Cooldown:           r.Cooldown,
			CooldownMultiplier: r.CooldownMultiplier,
			MaxCooldown:        r.MaxCooldown,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:    r.MaxAttempts,
			InitialBackoff: r.InitialBackoff,
			MaxBackoff:     r.MaxBackoff,
			Multiplier:     r.BackoffMultiplier,
			Jitter:         r.Jitter,
		},
		Buffer: resilience.BufferConfig{
			MaxBatches: r.BufferBatches,
			MaxBytes:   r.BufferBytes,
		},
		AttemptTimeout: r.AttemptTimeout,
		ReplayRate:     r.ReplayRate,
	}
}

// TransportConfigs fills every target entry over the transport defaults.
func (c *Config) TransportConfigs() []transport.Config {
	out := make([]transport.Config, 0, len(c.Targets))
	for _, t := range c.Targets {
		tc := transport.DefaultConfig(t.Name, transport.Kind(strings.ToLower(t.Kind)))
		tc.Path = t.Path
		tc.URL = t.URL
		tc.Addr = t.Addr
		tc.Password = t.Password
		tc.DB = t.DB
		if t.Subject != "" {
			tc.Subject = t.Subject
		}
		if t.Stream != "" {
			tc.Stream = t.Stream
		}
		if t.StreamLen > 0 {
			tc.StreamLen = t.StreamLen
		}
		if t.BackupOnMigrate != nil {
			tc.BackupOnMigrate = *t.BackupOnMigrate
		}
		if t.Timeout > 0 {
			tc.Timeout = t.Timeout
		}
		out = append(out, tc)
	}
	return out
}

func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:    c.Metrics.Enabled,
		ListenAddr: c.Metrics.ListenAddr,
		Path:       c.Metrics.Path,
	}
}

func (c *Config) HostConfig() host.Config {
	h := c.Sources.Host
	return host.Config{
		Enabled:           h.Enabled,
		MaxSensors:        h.MaxSensors,
		MemoryWarnPercent: h.MemoryWarnPercent,
		TempWarnCelsius:   h.TempWarnCelsius,
		TempCritCelsius:   h.TempCritCelsius,
	}
}

func (c *Config) GPUConfig() gpu.Config {
	g := c.Sources.GPU
	return gpu.Config{
		Enabled:         g.Enabled,
		TempWarnCelsius: g.TempWarnCelsius,
		TempCritCelsius: g.TempCritCelsius,
	}
}
