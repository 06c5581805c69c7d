package runstate

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// ErrAlreadyRegistered is returned when a run already has a live controller.
var ErrAlreadyRegistered = errors.New("run already registered")

// Registry tracks the controllers of live runs. A controller is removed when
// its run reaches a terminal status.
type Registry struct {
	mu     sync.RWMutex
	runs   map[string]*Controller
	hooks  []func(runID string)
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{runs: make(map[string]*Controller), logger: logger.Named("registry")}
}

// Register adds c and arranges for its removal on a terminal transition.
func (r *Registry) Register(c *Controller) error {
	r.mu.Lock()
	if _, ok := r.runs[c.RunID()]; ok {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.runs[c.RunID()] = c
	r.mu.Unlock()

	c.Machine().OnTransition(func(_, to schemas.RunStatus) {
		if to.IsTerminal() {
			r.deregister(c)
		}
	})
	r.logger.Debug("Run registered.", zap.String("run_id", c.RunID()))
	return nil
}

// OnDeregister registers fn to run after a run leaves the registry, whether
// through a terminal transition or Deregister.
func (r *Registry) OnDeregister(fn func(runID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Get returns the live controller of runID.
func (r *Registry) Get(runID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runs[runID]
	return c, ok
}

// Deregister removes runID and releases its context.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	c, ok := r.runs[runID]
	delete(r.runs, runID)
	hooks := r.hooks
	r.mu.Unlock()
	if ok {
		c.Release()
		r.notify(hooks, runID)
	}
}

// IDs lists the registered runs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// deregister removes c unless another controller replaced it.
func (r *Registry) deregister(c *Controller) {
	r.mu.Lock()
	cur, ok := r.runs[c.RunID()]
	removed := ok && cur == c
	if removed {
		delete(r.runs, c.RunID())
	}
	hooks := r.hooks
	r.mu.Unlock()
	if !removed {
		return
	}
	r.logger.Debug("Run deregistered.", zap.String("run_id", c.RunID()))
	r.notify(hooks, c.RunID())
}

func (r *Registry) notify(hooks []func(string), runID string) {
	for _, fn := range hooks {
		fn(runID)
	}
}
