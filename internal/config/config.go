// Package config provides configuration management for the clustermaint control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Collector CollectorConfig `mapstructure:"collector"`
	Drain     DrainConfig     `mapstructure:"drain"`
	Updates   UpdatesConfig   `mapstructure:"updates"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	v *viper.Viper
}

// ServerConfig holds the operational HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	// Driver selects the repository backend: "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by golang-migrate.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClusterConfig holds the hypervisor cluster endpoint configuration.
type ClusterConfig struct {
	// CredentialSource is "config" (this section) or "database" (credential row).
	CredentialSource    string        `mapstructure:"credential_source"`
	Hostname            string        `mapstructure:"hostname"`
	Port                int           `mapstructure:"port"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	VerifyTLS           bool          `mapstructure:"verify_tls"`
	ManagementInterface string        `mapstructure:"management_interface"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

// CollectorConfig holds Metrics Collector configuration.
type CollectorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// DrainConfig holds Drain Engine configuration.
type DrainConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MigrationTimeout     time.Duration `mapstructure:"migration_timeout"`
	LocalStoragePrefixes []string      `mapstructure:"local_storage_prefixes"`
}

// UpdatesConfig holds Update Orchestrator configuration.
type UpdatesConfig struct {
	CheckSchedule  string        `mapstructure:"check_schedule"`
	SSHPort        int           `mapstructure:"ssh_port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	RebootMarker   string        `mapstructure:"reboot_marker"`
}

// SchedulerConfig holds trigger engine configuration.
type SchedulerConfig struct {
	LeaderElection bool          `mapstructure:"leader_election"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/clustermaint")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CLUSTERMAINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid database.driver %q: expected postgres or memory", c.Database.Driver)
	}
	switch c.Cluster.CredentialSource {
	case "config", "database":
	default:
		return fmt.Errorf("invalid cluster.credential_source %q: expected config or database", c.Cluster.CredentialSource)
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be positive")
	}
	if c.Collector.Concurrency <= 0 {
		return fmt.Errorf("collector.concurrency must be positive")
	}
	if c.Drain.PollInterval <= 0 || c.Drain.MigrationTimeout <= 0 {
		return fmt.Errorf("drain.poll_interval and drain.migration_timeout must be positive")
	}
	if c.Drain.PollInterval > c.Drain.MigrationTimeout {
		return fmt.Errorf("drain.poll_interval must not exceed drain.migration_timeout")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9180)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "clustermaint")
	v.SetDefault("database.user", "clustermaint")
	v.SetDefault("database.password", "clustermaint")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "clustermaint:events")
	v.SetDefault("redis.cache_ttl", "30s")

	// Cluster
	v.SetDefault("cluster.credential_source", "config")
	v.SetDefault("cluster.port", 8006)
	v.SetDefault("cluster.verify_tls", false)
	v.SetDefault("cluster.management_interface", "vmbr0")
	v.SetDefault("cluster.request_timeout", "30s")

	// Collector
	v.SetDefault("collector.interval", "30s")
	v.SetDefault("collector.concurrency", 4)
	v.SetDefault("collector.retention", "336h")
	v.SetDefault("collector.cleanup_schedule", "0 2 * * *")

	// Drain
	v.SetDefault("drain.poll_interval", "5s")
	v.SetDefault("drain.migration_timeout", "30m")
	v.SetDefault("drain.local_storage_prefixes", []string{"local"})

	// Updates
	v.SetDefault("updates.check_schedule", "@every 24h")
	v.SetDefault("updates.ssh_port", 22)
	v.SetDefault("updates.connect_timeout", "15s")
	v.SetDefault("updates.command_timeout", "30m")
	v.SetDefault("updates.reboot_marker", "/var/run/reboot-required")

	// Scheduler
	v.SetDefault("scheduler.leader_election", false)
	v.SetDefault("scheduler.lock_ttl", "60s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}
