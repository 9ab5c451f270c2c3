package database

import (
	"fmt"
	"strings"
	"time"
)

// Supported database/sql driver names.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Config holds the connection settings shared by every node of a cluster.
// Host and Port are filled in per node.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	Driver          string
	ConnectTimeout  time.Duration
	ApplicationName string
}

// ForNode returns a copy of the config pointed at host:port.
func (c Config) ForNode(host string, port int) Config {
	c.Host = host
	c.Port = port
	return c
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Driver == "" {
		c.Driver = DriverPQ
	}
	if c.Database == "" {
		c.Database = "postgres"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "pgwarden"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
}

// DSN renders a keyword/value connection string understood by both lib/pq
// and pgx.
func (c Config) DSN() string {
	c.applyDefaults()

	timeout := int(c.ConnectTimeout / time.Second)
	if timeout < 1 {
		timeout = 1
	}

	parts := []string{
		"host=" + quote(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quote(c.Database),
		"sslmode=" + quote(c.SSLMode),
		fmt.Sprintf("connect_timeout=%d", timeout),
		"application_name=" + quote(c.ApplicationName),
	}
	if c.User != "" {
		parts = append(parts, "user="+quote(c.User))
	}
	if c.Password != "" {
		parts = append(parts, "password="+quote(c.Password))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
