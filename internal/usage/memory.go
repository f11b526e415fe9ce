package usage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore implements Store with per-model atomic counters.
// Totals are lost on restart.
type MemoryStore struct {
	models sync.Map // model -> *counters
}

type counters struct {
	requests  atomic.Int64
	prompt    atomic.Int64
	generated atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) load(model string) (*counters, bool) {
	val, ok := m.models.Load(model)
	if !ok {
		return nil, false
	}
	return val.(*counters), true
}

// AddUsage atomically adds rec to the model's totals.
func (m *MemoryStore) AddUsage(_ context.Context, rec Record) error {
	val, _ := m.models.LoadOrStore(rec.Model, &counters{})
	c := val.(*counters)

	c.requests.Add(1)
	c.prompt.Add(rec.PromptTokens)
	c.generated.Add(rec.GeneratedTokens)
	return nil
}

// GetUsage returns the totals for model, zero if nothing was recorded.
func (m *MemoryStore) GetUsage(_ context.Context, model string) (Usage, error) {
	c, ok := m.load(model)
	if !ok {
		return Usage{Model: model}, nil
	}
	return c.snapshot(model), nil
}

// ListUsage returns every model's totals sorted by model name.
func (m *MemoryStore) ListUsage(_ context.Context) ([]Usage, error) {
	out := []Usage{}
	m.models.Range(func(key, val any) bool {
		out = append(out, val.(*counters).snapshot(key.(string)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (c *counters) snapshot(model string) Usage {
	return Usage{
		Model:           model,
		Requests:        c.requests.Load(),
		PromptTokens:    c.prompt.Load(),
		GeneratedTokens: c.generated.Load(),
	}
}
