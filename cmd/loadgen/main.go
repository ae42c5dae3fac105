// Package main is the entrypoint for the load generator.
// It drives many concurrent workers through a single pool and reports how
// the pool behaved: successes, timeouts, operation failures and how many
// connections were actually created.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/connpool/internal/backend"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/pkg/bucket"
	"github.com/joao-brasil/connpool/pkg/pool"
)

var (
	workers  = flag.Int("workers", 50, "Number of concurrent workers")
	ops      = flag.Int("ops", 100, "Operations per worker")
	size     = flag.Int("size", 5, "Pool size (memory bucket only)")
	timeout  = flag.Duration("timeout", 500*time.Millisecond, "Checkout timeout (memory bucket only)")
	hold     = flag.Duration("hold", 2*time.Millisecond, "How long each operation holds its connection")
	failRate = flag.Float64("fail-rate", 0.01, "Fraction of operations that fail and discard their connection")
	verbose  = flag.Bool("v", false, "Debug logging")

	serverConfigPath  = flag.String("config", "", "Server config; with -buckets, run against a configured bucket")
	bucketsConfigPath = flag.String("buckets", "", "Buckets config")
	bucketID          = flag.String("bucket", "", "Bucket ID to load (requires -config and -buckets)")
)

var errInjected = errors.New("loadgen: injected failure")

type result struct {
	ok        atomic.Int64
	timeouts  atomic.Int64
	failures  atomic.Int64
	poolErrs  atomic.Int64
	factories atomic.Int64
}

func main() {
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	b, err := targetBucket()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), b, logger); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if !verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zc.Build()
}

// targetBucket returns the configured bucket named by -bucket, or an
// in-memory bucket sized by -size and -timeout.
func targetBucket() (*bucket.Bucket, error) {
	if *bucketID == "" {
		return &bucket.Bucket{
			ID:             "loadgen",
			Driver:         bucket.DriverMemory,
			MaxConnections: *size,
			QueueTimeout:   *timeout,
			ReapFrequency:  -1,
		}, nil
	}
	if *serverConfigPath == "" || *bucketsConfigPath == "" {
		return nil, fmt.Errorf("-bucket requires -config and -buckets")
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*serverConfigPath, *bucketsConfigPath)
	if err != nil {
		return nil, err
	}
	b, ok := cfg.BucketByID(*bucketID)
	if !ok {
		return nil, fmt.Errorf("unknown bucket: %s", *bucketID)
	}
	return b, nil
}

func run(ctx context.Context, b *bucket.Bucket, logger *zap.Logger) error {
	runID := uuid.NewString()
	log := logger.Named("loadgen").With(zap.String("run", runID))

	var res result

	opts := b.PoolOptions()
	opts.Logger = logger
	opts.Observer = metrics.Observer{}
	p := pool.New[backend.Handle](opts)
	defer p.Close()

	factory := backend.Factory(b)
	p.Configure(func(ctx context.Context) (backend.Handle, error) {
		res.factories.Add(1)
		return factory(ctx)
	}, backend.Close)

	log.Info("starting load",
		zap.Stringer("bucket", b),
		zap.Int("workers", *workers),
		zap.Int("ops", *ops),
		zap.Int("size", opts.Size),
		zap.Duration("timeout", opts.Timeout))

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < *ops; i++ {
				err := p.Use(ctx, func(ctx context.Context, h backend.Handle) error {
					if err := h.Ping(ctx); err != nil {
						return err
					}
					time.Sleep(*hold)
					if rand.Float64() < *failRate {
						return errInjected
					}
					return nil
				})
				switch {
				case err == nil:
					res.ok.Add(1)
				case pool.IsTimeout(err):
					res.timeouts.Add(1)
				case errors.Is(err, errInjected):
					res.failures.Add(1)
				case pool.IsPoolError(err):
					res.poolErrs.Add(1)
					log.Debug("pool error", zap.Int("worker", w), zap.Error(err))
				default:
					res.failures.Add(1)
					log.Debug("operation failed", zap.Int("worker", w), zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := int64(*workers) * int64(*ops)
	stats := p.Stats()
	log.Info("load complete",
		zap.Duration("elapsed", elapsed),
		zap.Float64("ops_per_sec", float64(total)/elapsed.Seconds()),
		zap.Int64("ok", res.ok.Load()),
		zap.Int64("timeouts", res.timeouts.Load()),
		zap.Int64("failures", res.failures.Load()),
		zap.Int64("pool_errors", res.poolErrs.Load()),
		zap.Int64("connections_created", res.factories.Load()),
		zap.Int("known", stats.Known),
		zap.Int("available", stats.Available),
		zap.Int("checked_out", stats.CheckedOut))

	if stats.CheckedOut != 0 {
		return fmt.Errorf("pool reports %d connections still checked out", stats.CheckedOut)
	}
	return nil
}
