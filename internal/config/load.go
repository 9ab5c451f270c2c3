package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/ha"
	"github.com/FairForge/pgwarden/internal/nodectl"
)

// EnvPrefix prefixes every environment override, with dots in key names
// replaced by underscores: PGWARDEN_DETECTION_POLL_INTERVAL.
const EnvPrefix = "PGWARDEN"

var validate = validator.New()

// Load reads the config file at path (or searches the usual locations when
// path is empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pgwarden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pgwarden")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvs(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	LoadFromEnv(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "/var/lib/pgwarden")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("shell", "/bin/sh")

	v.SetDefault("database.database", "postgres")
	v.SetDefault("database.user", "pgwarden")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.driver", database.DriverPQ)
	v.SetDefault("database.connect_timeout", "5s")

	v.SetDefault("replication.user", "replicator")

	v.SetDefault("detection.poll_interval", "10s")
	v.SetDefault("detection.probe_timeout", "3s")
	v.SetDefault("detection.failure_threshold", 3)
	v.SetDefault("detection.lag_history", 30)

	v.SetDefault("lag.max_bytes", 16*1024*1024)
	v.SetDefault("lag.max_delay", "30s")

	v.SetDefault("lock.backend", "file")
	v.SetDefault("lock.stale_after", "30m")
	v.SetDefault("lock.redis.prefix", "pgwarden:lock:")
	v.SetDefault("lock.consul.address", "127.0.0.1:8500")
	v.SetDefault("lock.consul.prefix", "pgwarden/locks/")

	v.SetDefault("promotion.auto_failover", true)
	v.SetDefault("promotion.verify_timeout", "60s")
	v.SetDefault("promotion.catch_up_timeout", "30s")
	v.SetDefault("promotion.command_timeout", "60s")
	v.SetDefault("promotion.promote_wait", "60s")

	v.SetDefault("rebuild.auto", false)
	v.SetDefault("rebuild.seed_timeout", "6h")
	v.SetDefault("rebuild.stream_timeout", "5m")
	v.SetDefault("rebuild.retry_interval", "1m")

	v.SetDefault("notify.queue_size", 100)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.retry_interval", "1s")
	v.SetDefault("notify.rate_per_second", 10)
	v.SetDefault("notify.webhook.timeout", "10s")
}

// bindEnvs registers every leaf key of t with viper. AutomaticEnv only
// consults the environment for keys viper already knows.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnvs(v, f.Type, key); err != nil {
				return err
			}
			continue
		}
		// Cluster topology comes from the file only.
		if f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// LoadFromEnv loads secrets from environment variables. They are read
// explicitly so they never need to appear in the config file.
func LoadFromEnv(cfg *Config) {
	if pw := os.Getenv("PGWARDEN_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if pw := os.Getenv("PGWARDEN_REPLICATION_PASSWORD"); pw != "" {
		cfg.Replication.Password = pw
	}
	if secret := os.Getenv("PGWARDEN_WEBHOOK_SECRET"); secret != "" {
		cfg.Notify.Webhook.Secret = secret
	}
	if pw := os.Getenv("PGWARDEN_REDIS_PASSWORD"); pw != "" {
		cfg.Lock.Redis.Password = pw
	}
}

// GetEnvOrDefault returns the environment variable or defaultValue when unset.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) normalize() {
	for i := range c.Clusters {
		for j := range c.Clusters[i].Nodes {
			n := &c.Clusters[i].Nodes[j]
			if n.Port == 0 {
				n.Port = 5432
			}
			n.Role = strings.ToLower(n.Role)
		}
	}
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.HTTP.Listen != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
			return fmt.Errorf("invalid config: http.listen: %w", err)
		}
	}
	if c.Lock.Backend == "redis" && c.Lock.Redis.Addr == "" {
		return errors.New("invalid config: lock.redis.addr is required for the redis backend")
	}

	clusters := make(map[string]bool)
	nodes := make(map[string]string)
	for _, cl := range c.Clusters {
		if clusters[cl.Name] {
			return fmt.Errorf("invalid config: cluster %q defined twice", cl.Name)
		}
		clusters[cl.Name] = true
		if cl.Nodes[0].Role == cl.Nodes[1].Role {
			return fmt.Errorf("invalid config: cluster %q needs one primary and one standby", cl.Name)
		}
		for _, n := range cl.Nodes {
			if other, ok := nodes[n.Name]; ok {
				return fmt.Errorf("invalid config: node %q appears in clusters %q and %q", n.Name, other, cl.Name)
			}
			nodes[n.Name] = cl.Name
		}
	}
	return nil
}

// ClusterNames lists the configured clusters in file order.
func (c *Config) ClusterNames() []string {
	names := make([]string, 0, len(c.Clusters))
	for _, cl := range c.Clusters {
		names = append(names, cl.Name)
	}
	return names
}

// Cluster returns the declared topology of the named cluster.
func (c *Config) Cluster(name string) (ha.Cluster, error) {
	for _, cl := range c.Clusters {
		if cl.Name != name {
			continue
		}
		out := ha.Cluster{Name: cl.Name}
		for _, n := range cl.Nodes {
			node := ha.Node{Name: n.Name, Host: n.Host, Port: n.Port, Role: ha.Role(n.Role)}
			if node.Role == ha.RolePrimary {
				out.Primary = node
			} else {
				out.Standby = node
			}
		}
		return out, nil
	}
	return ha.Cluster{}, fmt.Errorf("cluster %q is not configured", name)
}

// DatabaseConfig is the connection template every node shares.
func (c *Config) DatabaseConfig() database.Config {
	return database.Config{
		Database:        c.Database.Database,
		User:            c.Database.User,
		Password:        c.Database.Password,
		SSLMode:         c.Database.SSLMode,
		Driver:          c.Database.Driver,
		ConnectTimeout:  c.Database.ConnectTimeout,
		ApplicationName: "pgwarden",
	}
}

// NodeAdminConfig builds the settings for nodectl.New.
func (c *Config) NodeAdminConfig() nodectl.Config {
	nodes := make(map[string]nodectl.NodeSettings)
	for _, cl := range c.Clusters {
		for _, n := range cl.Nodes {
			nodes[n.Name] = nodectl.NodeSettings{DataDir: n.DataDir, Commands: n.Commands}
		}
	}
	return nodectl.Config{
		Shell:               c.Shell,
		ReplicationUser:     c.Replication.User,
		ReplicationPassword: c.Replication.Password,
		PromoteWait:         c.Promotion.PromoteWait,
		Commands:            c.Commands,
		Nodes:               nodes,
	}
}

// MonitorConfig builds the per-cluster monitor settings.
func (c *Config) MonitorConfig() ha.MonitorConfig {
	return ha.MonitorConfig{
		PollInterval:     c.Detection.PollInterval,
		FailureThreshold: c.Detection.FailureThreshold,
		LagHistory:       c.Detection.LagHistory,
		AutoFailover:     c.Promotion.AutoFailover,
		AutoRebuild:      c.Rebuild.Auto,
		RebuildRetry:     c.Rebuild.RetryInterval,
		LockCeiling:      c.Lock.StaleAfter,
		Orchestrator:     c.OrchestratorConfig(),
		Rebuild: ha.RebuildConfig{
			CommandTimeout: c.Promotion.CommandTimeout,
			SeedTimeout:    c.Rebuild.SeedTimeout,
			StreamTimeout:  c.Rebuild.StreamTimeout,
		},
	}
}

// OrchestratorConfig builds the promotion settings.
func (c *Config) OrchestratorConfig() ha.OrchestratorConfig {
	return ha.OrchestratorConfig{
		Safety:         c.LagSafety(),
		VerifyTimeout:  c.Promotion.VerifyTimeout,
		CatchUpTimeout: c.Promotion.CatchUpTimeout,
		CommandTimeout: c.Promotion.CommandTimeout,
	}
}

func (c *Config) LagSafety() ha.LagSafety {
	return ha.LagSafety{MaxBytes: c.Lag.MaxBytes, MaxDelay: c.Lag.MaxDelay}
}
