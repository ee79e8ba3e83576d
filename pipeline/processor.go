package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"krai.services/engine/config"
)

// Processor implements one pipeline stage. Process reads the context
// and returns a Result; errors are classified and retried by the
// Runner, so implementations return them raw.
type Processor interface {
	// Stage returns the canonical stage name this processor implements.
	Stage() string

	// Process runs the stage's domain logic.
	Process(ctx context.Context, pctx *Context) (*Result, error)
}

// CleanupProcessor is implemented by processors that can remove their
// persisted artifacts. The Runner calls Cleanup before rerunning a
// stage whose completion marker no longer matches the input hash.
type CleanupProcessor interface {
	Processor
	Cleanup(ctx context.Context, pctx *Context) error
}

// Registry maps stage names to their processors. Safe for concurrent
// reads after registration.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds a processor. Registering a stage outside the canonical
// list or twice is a wiring bug and fails loudly.
func (r *Registry) Register(p Processor) error {
	stage := p.Stage()
	known := false
	for _, name := range config.StageOrder() {
		if name == stage {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown stage %q", stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[stage]; exists {
		return fmt.Errorf("stage %q already registered", stage)
	}
	r.processors[stage] = p
	return nil
}

// MustRegister panics on registration failure; used during startup
// wiring where a bad registry is unrecoverable.
func (r *Registry) MustRegister(p Processor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the processor for a stage, or nil when none is wired.
func (r *Registry) Get(stage string) Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processors[stage]
}

// Stages returns the registered stage names in canonical order.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	order := make(map[string]int, len(config.StageOrder()))
	for i, name := range config.StageOrder() {
		order[name] = i
	}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })
	return names
}
