package backend

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/pkg/bucket"
)

// Redis is a single-connection Redis client.
type Redis struct {
	client *redis.Client
}

func openRedis(ctx context.Context, b *bucket.Bucket) (Handle, error) {
	db := 0
	if b.Database != "" {
		n, err := strconv.Atoi(b.Database)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: redis database must be numeric: %w", b.ID, err)
		}
		db = n
	}

	client := redis.NewClient(&redis.Options{
		Addr:        b.Addr(),
		Username:    b.Username,
		Password:    b.Password,
		DB:          db,
		PoolSize:    1,
		MaxRetries:  -1,
		DialTimeout: b.ConnectionTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", b.Addr(), err)
	}
	return &Redis{client: client}, nil
}

// Client returns the underlying *redis.Client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Driver() string {
	return bucket.DriverRedis
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
