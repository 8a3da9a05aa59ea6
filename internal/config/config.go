package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Segment  SegmentConfig  `mapstructure:"segment"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PlanCodec names the compression applied to serialized plan trees.
type PlanCodec string

const (
	CodecNone   PlanCodec = "none"
	CodecSnappy PlanCodec = "snappy"
	CodecZstd   PlanCodec = "zstd"
)

type DispatchConfig struct {
	ConnectionsPerWorker int           `mapstructure:"connections_per_worker"` // Segment connections owned by one worker batch
	MaxWorkers           int           `mapstructure:"max_workers"`            // Upper bound on worker batches per dispatch
	MaxPlanSizeKB        uint64        `mapstructure:"max_plan_size_kb"`       // 0 = unlimited
	PlanCodec            PlanCodec     `mapstructure:"plan_codec"`
	SendRetries          int           `mapstructure:"send_retries"` // Retries for transient send failures
	RetryInitialDelay    time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay"`
	CancelTimeout        time.Duration `mapstructure:"cancel_timeout"` // Bound on draining one cancelled connection
	SeqServerHost        string        `mapstructure:"seq_server_host"`
	SeqServerPort        int           `mapstructure:"seq_server_port"`

	PrintDirectDispatchInfo bool `mapstructure:"print_direct_dispatch_info"`
}

type SegmentConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	MaxConnections int           `mapstructure:"max_connections"` // 0 = unlimited, otherwise bounded with ants
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`  // DEBUG, INFO, WARN, ERROR
	Format    string `mapstructure:"format"` // json, text
	AddSource bool   `mapstructure:"add_source"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

func DefaultConfig() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			ConnectionsPerWorker: 64,
			MaxWorkers:           64,
			MaxPlanSizeKB:        0,
			PlanCodec:            CodecSnappy,
			SendRetries:          2,
			RetryInitialDelay:    10 * time.Millisecond,
			RetryMaxDelay:        500 * time.Millisecond,
			CancelTimeout:        5 * time.Second,
			SeqServerHost:        "127.0.0.1",
			SeqServerPort:        0,
		},
		Segment: SegmentConfig{
			ListenAddr:     "127.0.0.1:6000",
			MaxConnections: 0,
			DialTimeout:    5 * time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9187",
			Namespace:  "mppdisp",
		},
	}
}

func (c *Config) Validate() error {
	if c.Dispatch.ConnectionsPerWorker <= 0 {
		return errors.New("dispatch.connections_per_worker must be positive")
	}
	if c.Dispatch.MaxWorkers <= 0 {
		return errors.New("dispatch.max_workers must be positive")
	}
	if c.Dispatch.SendRetries < 0 {
		return errors.New("dispatch.send_retries must not be negative")
	}
	switch c.Dispatch.PlanCodec {
	case CodecNone, CodecSnappy, CodecZstd:
	default:
		return fmt.Errorf("dispatch.plan_codec: unknown codec %q", c.Dispatch.PlanCodec)
	}
	return nil
}

// Load builds a Config from defaults, an optional config file and
// environment variables carrying prefix (e.g. "MPPDISP_").
// MPPDISP_DISPATCH_MAX_WORKERS maps to dispatch.max_workers.
func Load(path, prefix string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// Viper's AutomaticEnv doesn't work well with Unmarshal for nested keys
	// containing underscores, so known keys are matched explicitly.
	if prefix != "" {
		prefixUpper := strings.ToUpper(prefix)
		for _, key := range v.AllKeys() {
			envKey := prefixUpper + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if value, ok := os.LookupEnv(envKey); ok {
				v.Set(key, value)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("dispatch.connections_per_worker", d.Dispatch.ConnectionsPerWorker)
	v.SetDefault("dispatch.max_workers", d.Dispatch.MaxWorkers)
	v.SetDefault("dispatch.max_plan_size_kb", d.Dispatch.MaxPlanSizeKB)
	v.SetDefault("dispatch.plan_codec", string(d.Dispatch.PlanCodec))
	v.SetDefault("dispatch.send_retries", d.Dispatch.SendRetries)
	v.SetDefault("dispatch.retry_initial_delay", d.Dispatch.RetryInitialDelay)
	v.SetDefault("dispatch.retry_max_delay", d.Dispatch.RetryMaxDelay)
	v.SetDefault("dispatch.cancel_timeout", d.Dispatch.CancelTimeout)
	v.SetDefault("dispatch.seq_server_host", d.Dispatch.SeqServerHost)
	v.SetDefault("dispatch.seq_server_port", d.Dispatch.SeqServerPort)
	v.SetDefault("dispatch.print_direct_dispatch_info", d.Dispatch.PrintDirectDispatchInfo)

	v.SetDefault("segment.listen_addr", d.Segment.ListenAddr)
	v.SetDefault("segment.max_connections", d.Segment.MaxConnections)
	v.SetDefault("segment.dial_timeout", d.Segment.DialTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}
