package health

import (
	"sync"
	"time"
)

// Status of one component
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Component names reported by the indexer
const (
	ComponentStream  = "stream"
	ComponentStore   = "store"
	ComponentDecoder = "decoder"
)

// ComponentHealth is the last reported state of a component
type ComponentHealth struct {
	Status     Status `json:"status"`
	LastUpdate int64  `json:"lastUpdate"`
	Detail     string `json:"detail,omitempty"`
}

// Tracker aggregates component health. Safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	now        func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		components: make(map[string]ComponentHealth),
		now:        time.Now,
	}
}

// Update overwrites a component's status, registering it if new
func (t *Tracker) Update(name string, status Status, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.components[name] = ComponentHealth{
		Status:     status,
		LastUpdate: t.now().UnixMilli(),
		Detail:     detail,
	}
}

// Status returns a component's status and whether it is registered
func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.components[name]
	return c.Status, ok
}

// IsHealthy reports whether at least one component is registered and every
// registered component is healthy.
func (t *Tracker) IsHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.components) == 0 {
		return false
	}
	for _, c := range t.components {
		if c.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every component's state
func (t *Tracker) Snapshot() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(t.components))
	for name, c := range t.components {
		out[name] = c
	}
	return out
}
