// Package config handles loading and validating daemon and bucket configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONNPOOL_"

// ServerConfig holds the daemon configuration.
type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig holds pool defaults inherited by every bucket that leaves a field unset.
// A negative reap_frequency disables the background reaper.
type PoolConfig struct {
	Size          int           `yaml:"size"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxIdle       time.Duration `yaml:"max_idle"`
	ReapFrequency time.Duration `yaml:"reap_frequency"`
}

// RedisConfig holds the Redis health-probe configuration. An empty Addr disables the probe.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Pool    PoolConfig   `yaml:"pool"`
	Redis   RedisConfig  `yaml:"redis"`
	Buckets []bucket.Bucket
}

// serverFileConfig mirrors the YAML structure for the daemon config file.
type serverFileConfig struct {
	Server ServerConfig `yaml:"server"`
	Pool   PoolConfig   `yaml:"pool"`
	Redis  RedisConfig  `yaml:"redis"`
}

// bucketsFileConfig mirrors the YAML structure for the buckets config file.
type bucketsFileConfig struct {
	Buckets []bucket.Bucket `yaml:"buckets"`
}

// Load reads and parses both configuration files, then applies environment
// overrides (from the process or a .env file) and defaults.
func Load(serverConfigPath, bucketsConfigPath string) (*Config, error) {
	serverData, err := os.ReadFile(serverConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", serverConfigPath, err)
	}

	var serverFile serverFileConfig
	if err := yaml.Unmarshal(serverData, &serverFile); err != nil {
		return nil, fmt.Errorf("parsing server config %s: %w", serverConfigPath, err)
	}

	bucketsData, err := os.ReadFile(bucketsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading buckets config %s: %w", bucketsConfigPath, err)
	}

	var bucketsFile bucketsFileConfig
	if err := yaml.Unmarshal(bucketsData, &bucketsFile); err != nil {
		return nil, fmt.Errorf("parsing buckets config %s: %w", bucketsConfigPath, err)
	}

	cfg := &Config{
		Server:  serverFile.Server,
		Pool:    serverFile.Pool,
		Redis:   serverFile.Redis,
		Buckets: bucketsFile.Buckets,
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv overrides secrets and addresses from CONNPOOL_* variables.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvPrefix + "INSTANCE_ID"); ok {
		c.Server.InstanceID = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		c.Server.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	for i := range c.Buckets {
		if v, ok := os.LookupEnv(BucketPasswordEnv(c.Buckets[i].ID)); ok {
			c.Buckets[i].Password = v
		}
	}
}

// BucketPasswordEnv returns the variable that overrides a bucket's password,
// e.g. CONNPOOL_BUCKET_BUCKET_001_PASSWORD for bucket-001.
func BucketPasswordEnv(bucketID string) string {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(bucketID))
	return EnvPrefix + "BUCKET_" + id + "_PASSWORD"
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket must be configured")
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative")
	}
	if c.Pool.Timeout < 0 || c.Pool.MaxAge < 0 || c.Pool.MaxIdle < 0 {
		return fmt.Errorf("pool durations must not be negative")
	}

	seen := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.ID == "" {
			return fmt.Errorf("bucket[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("bucket[%d].id %q is duplicated", i, b.ID)
		}
		seen[b.ID] = true

		switch b.Driver {
		case "", bucket.DriverSQLServer, bucket.DriverPostgres, bucket.DriverRedis:
			if b.Host == "" {
				return fmt.Errorf("bucket[%d].host is required", i)
			}
			if b.Port == 0 {
				return fmt.Errorf("bucket[%d].port is required", i)
			}
		case bucket.DriverMemory:
		default:
			return fmt.Errorf("bucket[%d].driver %q is not supported", i, b.Driver)
		}

		if b.MaxConnections < 0 {
			return fmt.Errorf("bucket[%d].max_connections must not be negative", i)
		}
		if b.MinIdle < 0 {
			return fmt.Errorf("bucket[%d].min_idle must not be negative", i)
		}
		if b.MaxConnections > 0 && b.MinIdle > b.MaxConnections {
			return fmt.Errorf("bucket[%d].min_idle exceeds max_connections", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = uuid.NewString()
		}
		c.Server.InstanceID = hostname
	}

	if c.Pool.Size == 0 {
		c.Pool.Size = 5
	}
	if c.Pool.Timeout == 0 {
		c.Pool.Timeout = 5 * time.Second
	}
	if c.Pool.MaxAge == 0 {
		c.Pool.MaxAge = 30 * time.Minute
	}
	if c.Pool.MaxIdle == 0 {
		c.Pool.MaxIdle = 5 * time.Minute
	}
	if c.Pool.ReapFrequency == 0 {
		c.Pool.ReapFrequency = 30 * time.Second
	}

	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.Driver == "" {
			b.Driver = bucket.DriverSQLServer
		}
		if b.MaxConnections == 0 {
			b.MaxConnections = c.Pool.Size
		}
		if b.QueueTimeout == 0 {
			b.QueueTimeout = c.Pool.Timeout
		}
		if b.MaxAge == 0 {
			b.MaxAge = c.Pool.MaxAge
		}
		if b.MaxIdleTime == 0 {
			b.MaxIdleTime = c.Pool.MaxIdle
		}
		if b.ReapFrequency == 0 {
			b.ReapFrequency = c.Pool.ReapFrequency
		}
		if b.ConnectionTimeout == 0 {
			b.ConnectionTimeout = 30 * time.Second
		}
	}
}

// BucketByID returns the bucket configuration for a given bucket ID.
func (c *Config) BucketByID(id string) (*bucket.Bucket, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].ID == id {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}

// BucketByDatabase returns the bucket configuration for a given database name.
func (c *Config) BucketByDatabase(database string) (*bucket.Bucket, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].Database == database {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}
