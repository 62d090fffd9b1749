package realm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/pkg/json"
)

// CatalogEntry declares one realm and its dependencies in the static
// catalog loaded at startup.
type CatalogEntry struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies"`
}

// Catalog is the full set of realms the process manages. It is built once
// at startup, validated, and never mutated afterward.
type Catalog struct {
	Realms []CatalogEntry `json:"realms"`
}

// LoadCatalog reads and validates a catalog file. Unknown dependencies and
// dependency cycles are configuration errors reported here, at startup,
// never at request time.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read realm catalog %s: %w", path, err)
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse realm catalog %s: %w", path, err)
	}
	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("invalid realm catalog %s: %w", path, err)
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Realms))
	for _, entry := range c.Realms {
		if entry.Name == "" {
			return fmt.Errorf("realm with empty name")
		}
		if seen[entry.Name] {
			return fmt.Errorf("realm %s declared twice", entry.Name)
		}
		seen[entry.Name] = true
	}
	for _, entry := range c.Realms {
		for _, dep := range entry.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("realm %s depends on undeclared realm %s", entry.Name, dep)
			}
		}
	}
	if _, err := c.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns realm names so that every realm appears after all of
// its dependencies.
func (c *Catalog) topoOrder() ([]string, error) {
	deps := make(map[string][]string, len(c.Realms))
	for _, entry := range c.Realms {
		deps[entry.Name] = entry.Dependencies
	}

	var order []string
	visited := make(map[string]bool)
	temp := make(map[string]bool)

	var visit func(string) error
	visit = func(name string) error {
		if temp[name] {
			return fmt.Errorf("circular dependency detected involving realm %s", name)
		}
		if visited[name] {
			return nil
		}
		temp[name] = true
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		temp[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, entry := range c.Realms {
		if err := visit(entry.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// BootOptions controls the activation retry policy during Boot. Retry
// count and backoff are deliberate configuration inputs.
type BootOptions struct {
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
}

// Boot registers every catalog realm, then initializes and activates them
// in topological order. Each activation is retried with exponential
// backoff; realms still unready when the timeout or retry budget runs out
// are reported in the returned error rather than silently hung.
func Boot(ctx context.Context, ctrl *Controller, cat *Catalog, opts BootOptions, log *zap.Logger) error {
	order, err := cat.topoOrder()
	if err != nil {
		return err
	}

	for _, entry := range cat.Realms {
		if err := ctrl.Register(entry.Name, entry.Dependencies); err != nil {
			return fmt.Errorf("register realm %s: %w", entry.Name, err)
		}
	}

	bootCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		bootCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for _, name := range order {
		if err := ctrl.Initialize(name); err != nil {
			return fmt.Errorf("initialize realm %s: %w", name, err)
		}

		interval := opts.InitialInterval
		if interval <= 0 {
			interval = 500 * time.Millisecond
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(interval),
			), opts.MaxRetries),
			bootCtx,
		)

		realmName := name
		err := backoff.RetryNotify(
			func() error { return ctrl.Activate(realmName) },
			policy,
			func(err error, wait time.Duration) {
				log.Warn("realm activation retry",
					zap.String("realm", realmName),
					zap.Duration("wait", wait),
					zap.Error(err))
			},
		)
		if err != nil {
			return fmt.Errorf("activate realm %s: %w", name, err)
		}
	}

	log.Info("realm catalog booted", zap.Int("realms", len(order)))
	return nil
}
