package usecase

import (
	"sync"

	"github.com/deltafi/deltafi-go/internal/domain"
)

// FlowRegistry resolves flow configuration by name. Flows come from the
// config file at startup; Set allows a running system to swap a flow in.
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[string]domain.Flow
}

func NewFlowRegistry(flows []domain.Flow) *FlowRegistry {
	m := make(map[string]domain.Flow, len(flows))
	for _, f := range flows {
		m[f.Name] = f
	}
	return &FlowRegistry{flows: m}
}

func (r *FlowRegistry) Lookup(name string) (domain.Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

func (r *FlowRegistry) Set(flow domain.Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[flow.Name] = flow
}

func (r *FlowRegistry) All() []domain.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	return out
}
