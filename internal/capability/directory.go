package capability

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Agent describes an agent's capabilities for step assignment.
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
	Available    bool     `json:"available"`
	Endpoint     string   `json:"endpoint,omitempty"`
}

// Has reports whether the agent declares capability (case-insensitive).
func (a *Agent) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// Directory tracks registered agents.
type Directory struct {
	agents map[string]*Agent
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(logger *zap.Logger) *Directory {
	return &Directory{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// Register adds or replaces an agent.
func (d *Directory) Register(a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	d.agents[a.ID] = &cp
	d.logger.Info("registered agent",
		zap.String("id", a.ID),
		zap.Strings("capabilities", a.Capabilities))
}

// SetAvailable toggles an agent's availability.
func (d *Directory) SetAvailable(id string, available bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return false
	}
	a.Available = available
	return true
}

// Get returns an agent by id.
func (d *Directory) Get(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns every agent ordered by id.
func (d *Directory) List() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns available agents holding capability, best first: lower
// priority number, then id. An empty capability matches every available agent.
func (d *Directory) Match(capability string) []Agent {
	d.mu.RLock()
	var matched []Agent
	for _, a := range d.agents {
		if !a.Available {
			continue
		}
		if capability == "" || a.Has(capability) {
			matched = append(matched, *a)
		}
	}
	d.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}
