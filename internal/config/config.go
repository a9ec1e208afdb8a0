package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	IntentTopic     string        `mapstructure:"intent_topic"`
	CallbackTopic   string        `mapstructure:"callback_topic"`
	TransitionTopic string        `mapstructure:"transition_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AdmissionConfig governs the concurrency ceiling and duplicate suppression.
type AdmissionConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	SlotTTL         time.Duration `mapstructure:"slot_ttl"`
	QueueOnCapacity bool          `mapstructure:"queue_on_capacity"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	DialBatchSize  int           `mapstructure:"dial_batch_size"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	LeasePrefix    string        `mapstructure:"lease_prefix"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	Retention      time.Duration `mapstructure:"retention"`
}

// PolicyConfig locates the retry rule document.
type PolicyConfig struct {
	RulesPath string `mapstructure:"rules_path"`
	Watch     bool   `mapstructure:"watch"`
}

type ProviderConfig struct {
	Name            string        `mapstructure:"name"`
	BaseURL         string        `mapstructure:"base_url"`
	CallbackBaseURL string        `mapstructure:"callback_base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type WorkerConfig struct {
	HandlerRetries int           `mapstructure:"handler_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CALLMGR")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admission.max_concurrent", 100)
	v.SetDefault("admission.duplicate_window", 5*time.Minute)
	v.SetDefault("admission.slot_ttl", time.Hour)
	v.SetDefault("admission.key_prefix", "admission")
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.dial_batch_size", 50)
	v.SetDefault("scheduler.lease_ttl", 30*time.Second)
	v.SetDefault("scheduler.lease_prefix", "sched:claim")
	v.SetDefault("scheduler.replay_interval", 10*time.Minute)
	v.SetDefault("scheduler.purge_interval", time.Hour)
	v.SetDefault("scheduler.retention", 7*24*time.Hour)
	v.SetDefault("worker.handler_retries", 3)
	v.SetDefault("worker.retry_backoff", 2*time.Second)
	v.SetDefault("provider.request_timeout", 10*time.Second)
	v.SetDefault("policy.watch", true)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
