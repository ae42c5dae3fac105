// Package bucket defines the bucket model and configuration structures.
// A bucket names one database backend and the limits of the pool in front of it.
package bucket

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joao-brasil/connpool/pkg/pool"
)

// Supported backend drivers.
const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverMemory    = "memory"
)

// Bucket represents a logical bucket mapped to a single database instance.
type Bucket struct {
	ID                string        `yaml:"id"`
	Driver            string        `yaml:"driver"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxConnections    int           `yaml:"max_connections"`
	MinIdle           int           `yaml:"min_idle"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	MaxAge            time.Duration `yaml:"max_age"`
	ReapFrequency     time.Duration `yaml:"reap_frequency"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
}

// DSN returns the connection string for this bucket's driver.
func (b *Bucket) DSN() string {
	switch b.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(b.Username, b.Password),
			Host:   b.Addr(),
			Path:   "/" + b.Database,
		}
		q := url.Values{}
		if b.ConnectionTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String()
	case DriverRedis:
		u := url.URL{Scheme: "redis", Host: b.Addr()}
		if b.Password != "" {
			u.User = url.UserPassword(b.Username, b.Password)
		}
		if b.Database != "" {
			u.Path = "/" + b.Database
		}
		return u.String()
	case DriverMemory:
		return "memory://" + b.ID
	default:
		u := url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(b.Username, b.Password),
			Host:   b.Addr(),
		}
		q := url.Values{}
		q.Set("database", b.Database)
		q.Set("connection timeout", strconv.Itoa(int(b.ConnectionTimeout.Seconds())))
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// Addr returns the host:port address of the backend.
func (b *Bucket) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// PoolOptions maps the bucket limits onto pool options.
func (b *Bucket) PoolOptions() pool.Options {
	return pool.Options{
		Name:          b.ID,
		Size:          b.MaxConnections,
		Timeout:       b.QueueTimeout,
		MaxAge:        b.MaxAge,
		MaxIdle:       b.MaxIdleTime,
		ReapFrequency: b.ReapFrequency,
		MinIdle:       b.MinIdle,
	}
}

func (b *Bucket) String() string {
	return fmt.Sprintf("%s(%s %s)", b.ID, b.Driver, b.Addr())
}
