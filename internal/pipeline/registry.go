package pipeline

import (
	"sync"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// Registry holds the running pipelines, one per chain. It backs the admin
// health and reorg-check endpoints.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[model.Chain]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[model.Chain]*Pipeline)}
}

func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Chain()] = p
}

func (r *Registry) Get(chain model.Chain) *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[chain]
}

// HealthSnapshots returns every pipeline's health, keyed by chain.
func (r *Registry) HealthSnapshots() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshots := make(map[string]HealthSnapshot, len(r.pipelines))
	for chain, p := range r.pipelines {
		snapshots[string(chain)] = p.Health().Snapshot()
	}
	return snapshots
}

// TriggerReorgCheck forwards an immediate continuity check to the chain's
// detector. The bool reports whether the chain has a pipeline.
func (r *Registry) TriggerReorgCheck(chain model.Chain) bool {
	p := r.Get(chain)
	if p == nil {
		return false
	}
	p.CheckReorgNow()
	return true
}
