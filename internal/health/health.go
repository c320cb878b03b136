// Package health runs named dependency checks for the readiness endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 2 * time.Second

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker reports a dependency as unhealthy by returning an error.
type Checker func(ctx context.Context) error

// Pinger is satisfied by *sql.DB, the Redis client adapter and the Kafka publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping adapts a Pinger to a Checker.
func Ping(p Pinger) Checker {
	return p.Ping
}

// Registry holds named checkers and runs them concurrently.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry using DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all passed. Statuses keep
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = r.run(ctx, nc)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := nc.check(cctx)
	s := Status{Name: nc.name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}

// Live handles GET /health/live. It never touches dependencies.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready handles GET /health/ready.
func (r *Registry) Ready(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "ready"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}
