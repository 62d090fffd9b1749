// Package realm tracks the lifecycle of capability domains and gates
// traffic on their readiness. A realm moves REGISTERED→INITIALIZED→ACTIVE
// and may toggle ACTIVE↔SUSPENDED; it can never reach ACTIVE while one of
// its dependencies is not ACTIVE.
package realm

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/switchyard-io/switchyard/pkg/metrics"
)

// State is a realm's position in its lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateInitialized
	StateActive
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistered:
		return "REGISTERED"
	case StateInitialized:
		return "INITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrDuplicateRealm = errors.New("realm already registered")
	ErrUnknownRealm   = errors.New("unknown realm")
)

// DependencyNotReadyError reports the first dependency blocking activation.
type DependencyNotReadyError struct {
	Realm      string
	Dependency string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("realm %s cannot activate: dependency %s is not active", e.Realm, e.Dependency)
}

// DependentRealmActiveError reports active dependents blocking a suspend.
type DependentRealmActiveError struct {
	Realm      string
	Dependents []string
}

func (e *DependentRealmActiveError) Error() string {
	return fmt.Sprintf("realm %s cannot suspend: active dependents %v", e.Realm, e.Dependents)
}

// Realm is a snapshot of one realm's registration and state.
type Realm struct {
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Dependencies []string `json:"dependencies"`
}

type realm struct {
	name  string
	state State
	deps  []string
}

// Controller is the single authority for realm readiness. All transitions
// are linearized under one lock; IsActive is a lock-free-fast read used on
// the request path.
type Controller struct {
	mu     sync.RWMutex
	realms map[string]*realm
	log    *zap.Logger
}

func NewController(log *zap.Logger) *Controller {
	return &Controller{
		realms: make(map[string]*realm),
		log:    log.With(zap.String("module", "realm")),
	}
}

// Register creates a realm in REGISTERED. Dependencies need not be
// registered yet; they are checked at activation time.
func (c *Controller) Register(name string, dependencies []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.realms[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRealm, name)
	}
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	c.realms[name] = &realm{name: name, state: StateRegistered, deps: deps}
	c.setStateMetric(name, StateRegistered)
	c.log.Info("realm registered",
		zap.String("realm", name),
		zap.Strings("dependencies", deps))
	return nil
}

// Initialize transitions REGISTERED→INITIALIZED. Idempotent when already
// INITIALIZED.
func (c *Controller) Initialize(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.realms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, name)
	}
	switch r.state {
	case StateInitialized:
		return nil
	case StateRegistered:
		r.state = StateInitialized
		c.setStateMetric(name, StateInitialized)
		c.log.Info("realm initialized", zap.String("realm", name))
		return nil
	default:
		return fmt.Errorf("realm %s cannot initialize from %s", name, r.state)
	}
}

// Activate transitions INITIALIZED→ACTIVE only if every dependency is
// currently ACTIVE. The dependency check and the transition happen under
// one lock, so the check reads a consistent snapshot. No retries here;
// retry policy belongs to the caller.
func (c *Controller) Activate(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.realms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, name)
	}
	if r.state == StateActive {
		return nil
	}
	if r.state != StateInitialized {
		return fmt.Errorf("realm %s cannot activate from %s", name, r.state)
	}
	for _, dep := range r.deps {
		d, ok := c.realms[dep]
		if !ok || d.state != StateActive {
			return &DependencyNotReadyError{Realm: name, Dependency: dep}
		}
	}
	r.state = StateActive
	c.setStateMetric(name, StateActive)
	c.log.Info("realm activated", zap.String("realm", name))
	return nil
}

// Suspend transitions ACTIVE→SUSPENDED. Suspending a realm that other
// ACTIVE realms depend on fails with DependentRealmActiveError unless
// force is set, in which case dependents are cascaded to SUSPENDED first.
func (c *Controller) Suspend(name string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.realms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, name)
	}
	if r.state == StateSuspended {
		return nil
	}
	if r.state != StateActive {
		return fmt.Errorf("realm %s cannot suspend from %s", name, r.state)
	}

	dependents := c.activeDependents(name)
	if len(dependents) > 0 && !force {
		return &DependentRealmActiveError{Realm: name, Dependents: dependents}
	}
	if force {
		// Cascade depth-first so transitively dependent realms go down too.
		for _, dep := range dependents {
			c.suspendCascade(dep)
		}
	}
	r.state = StateSuspended
	c.setStateMetric(name, StateSuspended)
	c.log.Warn("realm suspended",
		zap.String("realm", name),
		zap.Bool("force", force),
		zap.Strings("cascaded", dependents))
	return nil
}

// Resume transitions SUSPENDED→ACTIVE, subject to the same dependency
// check as Activate.
func (c *Controller) Resume(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.realms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRealm, name)
	}
	if r.state == StateActive {
		return nil
	}
	if r.state != StateSuspended {
		return fmt.Errorf("realm %s cannot resume from %s", name, r.state)
	}
	for _, dep := range r.deps {
		d, ok := c.realms[dep]
		if !ok || d.state != StateActive {
			return &DependencyNotReadyError{Realm: name, Dependency: dep}
		}
	}
	r.state = StateActive
	c.setStateMetric(name, StateActive)
	c.log.Info("realm resumed", zap.String("realm", name))
	return nil
}

// IsActive is the sole readiness query used by routing code. O(1),
// side-effect free; unknown realms report false.
func (c *Controller) IsActive(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.realms[name]
	return ok && r.state == StateActive
}

// Snapshot returns all realms for the debug endpoint, sorted by name by
// the caller if needed.
func (c *Controller) Snapshot() []Realm {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Realm, 0, len(c.realms))
	for _, r := range c.realms {
		deps := make([]string, len(r.deps))
		copy(deps, r.deps)
		out = append(out, Realm{Name: r.name, State: r.state.String(), Dependencies: deps})
	}
	return out
}

func (c *Controller) activeDependents(name string) []string {
	var dependents []string
	for _, other := range c.realms {
		if other.state != StateActive {
			continue
		}
		for _, dep := range other.deps {
			if dep == name {
				dependents = append(dependents, other.name)
				break
			}
		}
	}
	return dependents
}

func (c *Controller) suspendCascade(name string) {
	r := c.realms[name]
	if r == nil || r.state != StateActive {
		return
	}
	for _, dep := range c.activeDependents(name) {
		c.suspendCascade(dep)
	}
	r.state = StateSuspended
	c.setStateMetric(name, StateSuspended)
	c.log.Warn("realm suspended by cascade", zap.String("realm", name))
}

func (c *Controller) setStateMetric(name string, state State) {
	metrics.RealmState.WithLabelValues(name).Set(float64(state))
}
