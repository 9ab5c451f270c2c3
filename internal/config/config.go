// Package config loads pgwarden's configuration from a YAML file and the
// environment.
package config

import (
	"time"

	"github.com/FairForge/pgwarden/internal/nodectl"
)

type Config struct {
	StateDir    string            `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`
	Detection   DetectionConfig   `mapstructure:"detection" yaml:"detection"`
	Lag         LagConfig         `mapstructure:"lag" yaml:"lag"`
	Lock        LockConfig        `mapstructure:"lock" yaml:"lock"`
	Promotion   PromotionConfig   `mapstructure:"promotion" yaml:"promotion"`
	Rebuild     RebuildConfig     `mapstructure:"rebuild" yaml:"rebuild"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Shell       string            `mapstructure:"shell" yaml:"shell"`
	Commands    nodectl.Commands  `mapstructure:"commands" yaml:"commands"`
	Clusters    []ClusterConfig   `mapstructure:"clusters" yaml:"clusters" validate:"required,min=1,dive"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json console"`
}

// DatabaseConfig holds the credentials pgwarden uses on every node.
type DatabaseConfig struct {
	Database       string        `mapstructure:"database" yaml:"database" validate:"required"`
	User           string        `mapstructure:"user" yaml:"user" validate:"required"`
	Password       string        `mapstructure:"password" yaml:"-"`
	SSLMode        string        `mapstructure:"ssl_mode" yaml:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	Driver         string        `mapstructure:"driver" yaml:"driver" validate:"oneof=postgres pgx"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
}

// ReplicationConfig is the role standbys stream with; rebuild uses it to
// take base backups.
type ReplicationConfig struct {
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"-"`
}

type DetectionConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" validate:"min=1"`
	LagHistory       int           `mapstructure:"lag_history" yaml:"lag_history" validate:"min=1"`
}

// LagConfig bounds how far behind a standby may be and still be promoted.
type LagConfig struct {
	MaxBytes uint64        `mapstructure:"max_bytes" yaml:"max_bytes" validate:"gt=0"`
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gt=0"`
}

type LockConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend" validate:"oneof=file redis consul"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"gt=0"`
	Redis      RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Consul     ConsulConfig  `mapstructure:"consul" yaml:"consul"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"-"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type ConsulConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

type PromotionConfig struct {
	AutoFailover   bool          `mapstructure:"auto_failover" yaml:"auto_failover"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout" validate:"gt=0"`
	CatchUpTimeout time.Duration `mapstructure:"catch_up_timeout" yaml:"catch_up_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout" validate:"gt=0"`
	PromoteWait    time.Duration `mapstructure:"promote_wait" yaml:"promote_wait" validate:"gt=0"`
}

type RebuildConfig struct {
	Auto          bool          `mapstructure:"auto" yaml:"auto"`
	SeedTimeout   time.Duration `mapstructure:"seed_timeout" yaml:"seed_timeout" validate:"gt=0"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout" validate:"gt=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
}

type NotifyConfig struct {
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" validate:"gt=0"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second" validate:"gt=0"`
	Webhook       WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Kafka         KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Secret  string        `mapstructure:"secret" yaml:"-"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic" validate:"required_with=Brokers"`
}

type HTTPConfig struct {
	// Listen is empty when the HTTP endpoint is disabled.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ClusterConfig is one primary/standby pair.
type ClusterConfig struct {
	Name  string       `mapstructure:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Nodes []NodeConfig `mapstructure:"nodes" yaml:"nodes" validate:"len=2,dive"`
}

type NodeConfig struct {
	Name     string           `mapstructure:"name" yaml:"name" validate:"required"`
	Host     string           `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int              `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Role     string           `mapstructure:"role" yaml:"role" validate:"oneof=primary standby"`
	DataDir  string           `mapstructure:"data_dir" yaml:"data_dir"`
	Commands nodectl.Commands `mapstructure:"commands" yaml:"commands"`
}
