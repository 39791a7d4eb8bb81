// Package config loads service configuration from the environment (and a
// local .env file in development) through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server      Server            `mapstructure:"server"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Eligibility EligibilityConfig `mapstructure:"eligibility"`
	Voucher     VoucherConfig     `mapstructure:"voucher"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	Directory   DirectoryConfig   `mapstructure:"directory"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	LogLevel    string            `mapstructure:"log_level"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string `mapstructure:"addr"`
	// IdentitySigningKey verifies the HS256 identity assertions minted by the
	// admin front-end.
	IdentitySigningKey string        `mapstructure:"identity_signing_key"`
	IdentityIssuer     string        `mapstructure:"identity_issuer"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins        []string      `mapstructure:"cors_origins"`
}

// PostgresConfig selects the system of record. An empty URL runs every store
// in memory.
type PostgresConfig struct {
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	TxTimeout    time.Duration `mapstructure:"tx_timeout"`
}

// RedisConfig configures the eligibility cache and sweep locks. An empty URL
// keeps the cache in memory and sweeps single-instance.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Partitions  int32    `mapstructure:"partitions"`
	Replication int16    `mapstructure:"replication"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type EligibilityConfig struct {
	// GraceDays is added to a period's end before it becomes due. No business
	// value is assumed; operators set it explicitly.
	GraceDays int `mapstructure:"grace_days"`
	// OverdueTolerance is the overdue amount (minor units) still accepted at
	// voucher issuance.
	OverdueTolerance   int64         `mapstructure:"overdue_tolerance"`
	Currency           string        `mapstructure:"currency"`
	TariffsFile        string        `mapstructure:"tariffs_file"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
}

type VoucherConfig struct {
	ValidityWindow     time.Duration `mapstructure:"validity_window"`
	DailyIssuanceLimit int           `mapstructure:"daily_issuance_limit"`
}

type SweepConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	Concurrency        int           `mapstructure:"concurrency"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	ReconcileSchedule  string        `mapstructure:"reconcile_schedule"`
	ExpirySchedule     string        `mapstructure:"expiry_schedule"`
	SettlementSchedule string        `mapstructure:"settlement_schedule"`
}

// DirectoryConfig points at a TOML roster of beneficiaries. In memory mode it
// is the whole directory; with PostgreSQL, `mutuelle migrate --seed` enrolls it.
type DirectoryConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

type SettlementConfig struct {
	// PendingGrace is how long a pending record may sit before the sweep
	// resolves it.
	PendingGrace time.Duration `mapstructure:"pending_grace"`
}

const envPrefix = "MUTUELLE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.identity_signing_key", "")
	v.SetDefault("server.identity_issuer", "mutuelle-admin")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.tx_timeout", 5*time.Second)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "mutuelle")
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication", 1)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "mutuelle.notifications")

	v.SetDefault("eligibility.grace_days", 0)
	v.SetDefault("eligibility.overdue_tolerance", 0)
	v.SetDefault("eligibility.currency", "XOF")
	v.SetDefault("eligibility.tariffs_file", "")
	v.SetDefault("eligibility.staleness_threshold", time.Hour)

	v.SetDefault("voucher.validity_window", 30*24*time.Hour)
	v.SetDefault("voucher.daily_issuance_limit", 20)

	v.SetDefault("sweep.batch_size", 200)
	v.SetDefault("sweep.batch_timeout", 30*time.Second)
	v.SetDefault("sweep.concurrency", 8)
	v.SetDefault("sweep.lock_ttl", 10*time.Minute)
	v.SetDefault("sweep.reconcile_schedule", "*/15 * * * *")
	v.SetDefault("sweep.expiry_schedule", "5 * * * *")
	v.SetDefault("sweep.settlement_schedule", "30 * * * *")

	v.SetDefault("directory.seed_file", "")
	v.SetDefault("settlement.pending_grace", 5*time.Minute)

	v.SetDefault("log_level", "info")
}

// Load reads configuration from MUTUELLE_* environment variables, e.g.
// MUTUELLE_POSTGRES_URL or MUTUELLE_SWEEP_BATCH_SIZE. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Eligibility.GraceDays < 0 {
		return fmt.Errorf("eligibility.grace_days must not be negative")
	}
	if c.Eligibility.OverdueTolerance < 0 {
		return fmt.Errorf("eligibility.overdue_tolerance must not be negative")
	}
	if c.Voucher.ValidityWindow <= 0 {
		return fmt.Errorf("voucher.validity_window must be positive")
	}
	if c.Voucher.DailyIssuanceLimit < 0 {
		return fmt.Errorf("voucher.daily_issuance_limit must not be negative")
	}
	if c.Settlement.PendingGrace < 0 {
		return fmt.Errorf("settlement.pending_grace must not be negative")
	}
	if c.Sweep.BatchSize <= 0 || c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("sweep.batch_size and sweep.concurrency must be positive")
	}
	return nil
}
