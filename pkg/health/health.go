// Package health runs named dependency checks and serves the process
// health endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/switchyard-io/switchyard/pkg/json"
)

// Check is a single named health check.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Checker aggregates health checks for the process.
type Checker struct {
	mu     sync.RWMutex
	checks []Check
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a check to the checker.
func (c *Checker) Register(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Check runs all registered checks and returns their results by name.
func (c *Checker) Check(ctx context.Context) map[string]error {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for _, check := range checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Handler returns an HTTP handler that reports 200 when every check passes
// and 503 otherwise, with a JSON body naming each check.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		healthy := true
		body := make(map[string]string)
		for name, err := range c.Check(ctx) {
			if err != nil {
				healthy = false
				body[name] = err.Error()
			} else {
				body[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
		}
	})
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name returns the check's name.
func (f CheckFunc) Name() string { return f.CheckName }

// Check runs the wrapped function.
func (f CheckFunc) Check(ctx context.Context) error { return f.Fn(ctx) }
