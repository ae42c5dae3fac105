// Package health fornece health checks para os pools e o Redis.
// Cada bucket é verificado em duas etapas: um Ping em todas as conexões ociosas,
// descartando as que falham, e depois um Ping numa conexão emprestada do pool.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/connpool/internal/backend"
	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/pkg/pool"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const probeTimeout = 5 * time.Second

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// PoolHealth é o snapshot de ocupação de um pool.
type PoolHealth struct {
	Name       string `json:"name"`
	Max        int    `json:"max"`
	Known      int    `json:"known"`
	Available  int    `json:"available"`
	CheckedOut int    `json:"checked_out"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
	Pools      []PoolHealth      `json:"pools"`
}

// Pools é a parte do manager usada pelo checker.
type Pools interface {
	Buckets() []string
	Use(ctx context.Context, bucketID string, fn func(ctx context.Context, h backend.Handle) error) error
	Sweep(ctx context.Context, bucketID string) (int, error)
	Stats() []pool.Stats
}

// Checker realiza health checks contra os pools e o Redis.
type Checker struct {
	instanceID  string
	pools       Pools
	redisClient *redis.Client
	log         *zap.Logger
}

// NewChecker cria um novo health checker. O probe de Redis só é ativado
// quando cfg.Redis.Addr está configurado.
func NewChecker(cfg *config.Config, pools Pools, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Checker{
		instanceID: cfg.Server.InstanceID,
		pools:      pools,
		log:        log.Named("health"),
	}
	if cfg.Redis.Addr != "" {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}
	return c
}

// Close limpa os recursos.
func (c *Checker) Close() error {
	if c.redisClient == nil {
		return nil
	}
	return c.redisClient.Close()
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		g          errgroup.Group
		components []ComponentHealth
	)
	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	if c.redisClient != nil {
		g.Go(func() error {
			add(c.checkRedis(ctx))
			return nil
		})
	}

	for _, id := range c.pools.Buckets() {
		id := id
		g.Go(func() error {
			add(c.checkBucket(ctx, id))
			return nil
		})
	}

	_ = g.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	report.Pools = c.poolHealth()

	return report
}

func (c *Checker) poolHealth() []PoolHealth {
	stats := c.pools.Stats()
	out := make([]PoolHealth, 0, len(stats))
	for _, s := range stats {
		out = append(out, PoolHealth{
			Name:       s.Name,
			Max:        s.Max,
			Known:      s.Known,
			Available:  s.Available,
			CheckedOut: s.CheckedOut,
		})
	}
	return out
}

// checkRedis verifica a conectividade com o Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := c.redisClient.Ping(ctx).Err()
	return c.result("redis", start, err, "PONG")
}

// checkBucket varre as conexões ociosas do bucket e depois empresta uma
// conexão do pool e executa Ping.
func (c *Checker) checkBucket(ctx context.Context, bucketID string) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	swept, err := c.pools.Sweep(ctx, bucketID)
	if err != nil {
		return c.result("bucket-"+bucketID, start, err, "")
	}

	var driver string
	err = c.pools.Use(ctx, bucketID, func(ctx context.Context, h backend.Handle) error {
		driver = h.Driver()
		return h.Ping(ctx)
	})

	msg := fmt.Sprintf("%s ping ok", driver)
	if swept > 0 {
		msg += fmt.Sprintf(", %d broken idle connections discarded", swept)
	}
	return c.result("bucket-"+bucketID, start, err, msg)
}

func (c *Checker) result(name string, start time.Time, err error, okMessage string) ComponentHealth {
	latency := time.Since(start)
	if err != nil {
		metrics.HealthCheckDuration.WithLabelValues(name, string(StatusUnhealthy)).Observe(latency.Seconds())
		c.log.Warn("health check failed", zap.String("component", name), zap.Error(err))
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	metrics.HealthCheckDuration.WithLabelValues(name, string(StatusHealthy)).Observe(latency.Seconds())
	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: okMessage,
		Latency: latency.String(),
	}
}

// Routes monta as rotas HTTP de health check.
func (c *Checker) Routes() http.Handler {
	r := chi.NewRouter()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())
		code := http.StatusOK
		if rep.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.writeJSON(w, code, rep)
	}
	r.Get("/health", report)
	r.Get("/health/ready", report)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		c.writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Get("/pools", func(w http.ResponseWriter, _ *http.Request) {
		c.writeJSON(w, http.StatusOK, c.poolHealth())
	})

	return r
}

func (c *Checker) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Debug("writing response failed", zap.Error(err))
	}
}
