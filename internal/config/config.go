// The application's root configuration. Every threshold and window used by the
// detection core is externally configurable and validated at startup.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Postgres  PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Window    WindowConfig    `mapstructure:"window" yaml:"window"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Alerting  AlertingConfig  `mapstructure:"alerting" yaml:"alerting"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// PostgresConfig holds settings for the optional durable graph sink.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// KafkaConfig holds settings for the upstream event topic.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers"`
	Topic    string   `mapstructure:"topic" yaml:"topic"`
	GroupID  string   `mapstructure:"group_id" yaml:"group_id"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
}

// JournalConfig points at the optional append-only mutation journal.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// EngineConfig holds settings for the ingestion and evaluation paths.
type EngineConfig struct {
	// TickInterval is the evaluation cadence measured in event time.
	TickInterval      time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshot_timeout" yaml:"snapshot_timeout"`
	DetectorTimeout   time.Duration `mapstructure:"detector_timeout" yaml:"detector_timeout"`
	FinalizationDelay time.Duration `mapstructure:"finalization_delay" yaml:"finalization_delay"`
	ClockSkew         time.Duration `mapstructure:"clock_skew" yaml:"clock_skew"`
	// FutureTolerance bounds how far ahead of the event clock a timestamp may jump.
	FutureTolerance   time.Duration `mapstructure:"future_tolerance" yaml:"future_tolerance"`
	RetentionHorizon  time.Duration `mapstructure:"retention_horizon" yaml:"retention_horizon"`
	// SynchronousTicks evaluates inline on the ingestion path. Used for deterministic replay.
	SynchronousTicks bool `mapstructure:"synchronous_ticks" yaml:"synchronous_ticks"`
	MutationBuffer   int  `mapstructure:"mutation_buffer" yaml:"mutation_buffer"`
}

// WindowConfig bounds the repost proximity window.
type WindowConfig struct {
	Expiry   time.Duration `mapstructure:"expiry" yaml:"expiry"`
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
}

// DetectionConfig holds the detector thresholds.
type DetectionConfig struct {
	ObservationHorizon time.Duration    `mapstructure:"observation_horizon" yaml:"observation_horizon"`
	ScoreHalfLife      time.Duration    `mapstructure:"score_half_life" yaml:"score_half_life"`
	Repost             RepostConfig     `mapstructure:"repost" yaml:"repost"`
	BotRate            BotRateConfig    `mapstructure:"bot_rate" yaml:"bot_rate"`
	SockPuppet         SockPuppetConfig `mapstructure:"sock_puppet" yaml:"sock_puppet"`
}

// RepostConfig tunes coordinated-repost detection.
type RepostConfig struct {
	Proximity        time.Duration `mapstructure:"proximity" yaml:"proximity"`
	MinCoOccurrences int           `mapstructure:"min_co_occurrences" yaml:"min_co_occurrences"`
	BaselinePerDay   float64       `mapstructure:"baseline_per_day" yaml:"baseline_per_day"`
}

// BotRateConfig tunes bot-rate detection.
type BotRateConfig struct {
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
}

// SockPuppetConfig tunes topic-similarity detection.
type SockPuppetConfig struct {
	JaccardThreshold float64 `mapstructure:"jaccard_threshold" yaml:"jaccard_threshold"`
	MinTopics        int     `mapstructure:"min_topics" yaml:"min_topics"`
	// MaxTopicFanout caps the accounts a topic may pair directly. Zero means unlimited.
	MaxTopicFanout   int     `mapstructure:"max_topic_fanout" yaml:"max_topic_fanout"`
}

// AlertingConfig holds the state machine parameters.
type AlertingConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	// Thresholds overrides Threshold per detector kind.
	Thresholds    map[string]float64 `mapstructure:"thresholds" yaml:"thresholds"`
	ConfirmTicks  int                `mapstructure:"confirm_ticks" yaml:"confirm_ticks"`
	Hysteresis    float64            `mapstructure:"hysteresis" yaml:"hysteresis"`
	CooldownTicks int                `mapstructure:"cooldown_ticks" yaml:"cooldown_ticks"`
}

// ThresholdFor returns the effective alert threshold for a detector kind.
func (a AlertingConfig) ThresholdFor(kind schemas.DetectorKind) float64 {
	if t, ok := a.Thresholds[string(kind)]; ok {
		return t
	}
	return a.Threshold
}

// Default returns a configuration populated with the documented defaults.
func Default() Config {
	return Config{
		Logger:  LoggerConfig{Level: "info", Format: "console", ServiceName: "swarmwatch"},
		Kafka:   KafkaConfig{Topic: "enriched-events", GroupID: "swarmwatch", ClientID: "swarmwatch"},
		Metrics: MetricsConfig{ListenAddr: ":9464"},
		Engine: EngineConfig{
			TickInterval:      30 * time.Second,
			SnapshotTimeout:   5 * time.Second,
			DetectorTimeout:   10 * time.Second,
			FinalizationDelay: 5 * time.Second,
			ClockSkew:         2 * time.Minute,
			FutureTolerance:   72 * time.Hour,
			RetentionHorizon:  30 * 24 * time.Hour,
			MutationBuffer:    1024,
		},
		Window: WindowConfig{Expiry: 24 * time.Hour, Capacity: 1_000_000},
		Detection: DetectionConfig{
			ObservationHorizon: 24 * time.Hour,
			ScoreHalfLife:      48 * time.Hour,
			Repost:             RepostConfig{Proximity: 300 * time.Second, MinCoOccurrences: 11, BaselinePerDay: 20},
			BotRate:            BotRateConfig{Threshold: 100},
			SockPuppet:         SockPuppetConfig{JaccardThreshold: 0.6, MinTopics: 1},
		},
		Alerting: AlertingConfig{Threshold: 0.5, ConfirmTicks: 2, Hysteresis: 0.8, CooldownTicks: 1},
	}
}

// SetDefaults registers the defaults with viper so a minimal config file is enough.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.service_name", d.Logger.ServiceName)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)

	v.SetDefault("engine.tick_interval", d.Engine.TickInterval)
	v.SetDefault("engine.snapshot_timeout", d.Engine.SnapshotTimeout)
	v.SetDefault("engine.detector_timeout", d.Engine.DetectorTimeout)
	v.SetDefault("engine.finalization_delay", d.Engine.FinalizationDelay)
	v.SetDefault("engine.clock_skew", d.Engine.ClockSkew)
	v.SetDefault("engine.future_tolerance", d.Engine.FutureTolerance)
	v.SetDefault("engine.retention_horizon", d.Engine.RetentionHorizon)
	v.SetDefault("engine.mutation_buffer", d.Engine.MutationBuffer)

	v.SetDefault("window.expiry", d.Window.Expiry)
	v.SetDefault("window.capacity", d.Window.Capacity)

	v.SetDefault("detection.observation_horizon", d.Detection.ObservationHorizon)
	v.SetDefault("detection.score_half_life", d.Detection.ScoreHalfLife)
	v.SetDefault("detection.repost.proximity", d.Detection.Repost.Proximity)
	v.SetDefault("detection.repost.min_co_occurrences", d.Detection.Repost.MinCoOccurrences)
	v.SetDefault("detection.repost.baseline_per_day", d.Detection.Repost.BaselinePerDay)
	v.SetDefault("detection.bot_rate.threshold", d.Detection.BotRate.Threshold)
	v.SetDefault("detection.sock_puppet.jaccard_threshold", d.Detection.SockPuppet.JaccardThreshold)
	v.SetDefault("detection.sock_puppet.min_topics", d.Detection.SockPuppet.MinTopics)
	v.SetDefault("detection.sock_puppet.max_topic_fanout", d.Detection.SockPuppet.MaxTopicFanout)

	v.SetDefault("alerting.threshold", d.Alerting.Threshold)
	v.SetDefault("alerting.confirm_ticks", d.Alerting.ConfirmTicks)
	v.SetDefault("alerting.hysteresis", d.Alerting.Hysteresis)
	v.SetDefault("alerting.cooldown_ticks", d.Alerting.CooldownTicks)
}

// Validate checks every threshold against its valid range. All errors wrap
// schemas.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"engine.tick_interval", c.Engine.TickInterval},
		{"engine.snapshot_timeout", c.Engine.SnapshotTimeout},
		{"engine.detector_timeout", c.Engine.DetectorTimeout},
		{"engine.retention_horizon", c.Engine.RetentionHorizon},
		{"engine.future_tolerance", c.Engine.FutureTolerance},
		{"window.expiry", c.Window.Expiry},
		{"detection.observation_horizon", c.Detection.ObservationHorizon},
		{"detection.score_half_life", c.Detection.ScoreHalfLife},
		{"detection.repost.proximity", c.Detection.Repost.Proximity},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid("%s must be a positive duration, got %s", p.name, p.value)
		}
	}
	if c.Engine.FinalizationDelay < 0 {
		return invalid("engine.finalization_delay must not be negative")
	}
	if c.Engine.ClockSkew < 0 {
		return invalid("engine.clock_skew must not be negative")
	}
	if c.Engine.MutationBuffer < 0 {
		return invalid("engine.mutation_buffer must not be negative")
	}
	if c.Window.Capacity <= 0 {
		return invalid("window.capacity must be a positive integer")
	}
	if c.Detection.Repost.MinCoOccurrences < 1 {
		return invalid("detection.repost.min_co_occurrences must be at least 1")
	}
	if c.Detection.Repost.BaselinePerDay <= 0 {
		return invalid("detection.repost.baseline_per_day must be positive")
	}
	if c.Detection.BotRate.Threshold < 1 {
		return invalid("detection.bot_rate.threshold must be at least 1")
	}
	if j := c.Detection.SockPuppet.JaccardThreshold; j < 0 || j > 1 {
		return invalid("detection.sock_puppet.jaccard_threshold must be within [0,1], got %v", j)
	}
	if c.Detection.SockPuppet.MinTopics < 1 {
		return invalid("detection.sock_puppet.min_topics must be at least 1")
	}
	if f := c.Detection.SockPuppet.MaxTopicFanout; f != 0 && f < 2 {
		return invalid("detection.sock_puppet.max_topic_fanout must be 0 (unlimited) or at least 2")
	}
	if t := c.Alerting.Threshold; t <= 0 || t > 1 {
		return invalid("alerting.threshold must be within (0,1], got %v", t)
	}
	for kind, t := range c.Alerting.Thresholds {
		if !knownDetector(kind) {
			return invalid("alerting.thresholds has unknown detector %q", kind)
		}
		if t <= 0 || t > 1 {
			return invalid("alerting.thresholds.%s must be within (0,1], got %v", kind, t)
		}
	}
	if c.Alerting.ConfirmTicks < 1 {
		return invalid("alerting.confirm_ticks must be at least 1")
	}
	if h := c.Alerting.Hysteresis; h <= 0 || h > 1 {
		return invalid("alerting.hysteresis must be within (0,1], got %v", h)
	}
	if c.Alerting.CooldownTicks < 1 {
		return invalid("alerting.cooldown_ticks must be at least 1")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{schemas.ErrInvalidConfiguration}, args...)...)
}

func knownDetector(kind string) bool {
	for _, k := range schemas.AllDetectorKinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// Load initializes the configuration singleton from Viper and validates it.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			loadErr = err
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set installs an already-built configuration as the singleton.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
