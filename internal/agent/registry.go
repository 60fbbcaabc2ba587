// Package agent tracks the remote execution endpoints (paws) that check in
// with the server.
package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown paws.
var ErrNotFound = errors.New("agent not found")

// ErrInUse is returned when removing an agent that a live operation targets.
var ErrInUse = errors.New("agent in use")

// Agent describes a connected agent.
type Agent struct {
	Paw       string    `json:"paw"`
	Host      string    `json:"host"`
	Platform  string    `json:"platform"`
	Group     string    `json:"group"`
	Location  string    `json:"location"`
	Contact   string    `json:"contact"`
	Trusted   bool      `json:"trusted"`
	SleepMin  int       `json:"sleep_min"`
	SleepMax  int       `json:"sleep_max"`
	PID       int       `json:"pid"`
	Privilege string    `json:"privilege"`
	Executors []string  `json:"executors"`
	LastSeen  time.Time `json:"last_seen"`
	Created   time.Time `json:"created"`
}

// Elevated reports whether the agent runs with elevated privileges.
func (a Agent) Elevated() bool {
	return a.Privilege == "Elevated"
}

// Beacon is the profile an agent reports on check-in.
type Beacon struct {
	Paw       string   `json:"paw"`
	Host      string   `json:"host"`
	Platform  string   `json:"platform"`
	Group     string   `json:"group"`
	Location  string   `json:"location"`
	Contact   string   `json:"contact"`
	PID       int      `json:"pid"`
	Privilege string   `json:"privilege"`
	Executors []string `json:"executors"`
}

// Patch holds operator edits to an agent. Nil fields are left unchanged.
type Patch struct {
	Group    *string `json:"group"`
	Trusted  *bool   `json:"trusted"`
	SleepMin *int    `json:"sleep_min"`
	SleepMax *int    `json:"sleep_max"`
}

// Stats summarises the registry.
type Stats struct {
	Total     int `json:"total"`
	Trusted   int `json:"trusted"`
	Untrusted int `json:"untrusted"`
}

// Registry is an in-memory registry of agents.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	sleepMin int
	sleepMax int
	now      func() time.Time

	// InUse reports whether a live operation still references paw.
	InUse func(paw string) bool
}

// NewRegistry creates a registry. New agents get the default sleep window.
func NewRegistry(sleepMin, sleepMax int) *Registry {
	if sleepMax < sleepMin {
		sleepMax = sleepMin
	}
	return &Registry{
		agents:   make(map[string]*Agent),
		sleepMin: sleepMin,
		sleepMax: sleepMax,
		now:      time.Now,
	}
}

// Checkin registers a new agent or refreshes a known one. It returns a copy
// of the stored agent and whether this was the first check-in.
func (r *Registry) Checkin(b Beacon) (Agent, bool, error) {
	if b.Paw == "" {
		return Agent{}, false, fmt.Errorf("checkin: paw required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	a, ok := r.agents[b.Paw]
	if !ok {
		a = &Agent{
			Paw:      b.Paw,
			Group:    b.Group,
			Trusted:  true,
			SleepMin: r.sleepMin,
			SleepMax: r.sleepMax,
			Created:  now,
		}
		if a.Group == "" {
			a.Group = "red"
		}
		r.agents[b.Paw] = a
	}
	a.Host = b.Host
	a.Platform = b.Platform
	a.Location = b.Location
	a.Contact = b.Contact
	a.PID = b.PID
	a.Privilege = b.Privilege
	if len(b.Executors) > 0 {
		a.Executors = append([]string(nil), b.Executors...)
	}
	// Trust is only restored by an operator.
	a.LastSeen = now
	return a.copy(), !ok, nil
}

// Restore loads a persisted agent without touching timestamps.
func (r *Registry) Restore(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := a.copy()
	r.agents[a.Paw] = &c
}

// Get returns a copy of the agent with paw.
func (r *Registry) Get(paw string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[paw]
	if !ok {
		return Agent{}, fmt.Errorf("get agent %s: %w", paw, ErrNotFound)
	}
	return a.copy(), nil
}

// List returns every agent sorted by paw.
func (r *Registry) List() []Agent {
	return r.filter(func(*Agent) bool { return true })
}

// InGroup returns the agents of group sorted by paw. An empty group matches
// every agent.
func (r *Registry) InGroup(group string) []Agent {
	return r.filter(func(a *Agent) bool { return group == "" || a.Group == group })
}

func (r *Registry) filter(keep func(*Agent) bool) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		if keep(a) {
			out = append(out, a.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Paw < out[j].Paw })
	return out
}

// Update applies p to the agent with paw.
func (r *Registry) Update(paw string, p Patch) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[paw]
	if !ok {
		return Agent{}, fmt.Errorf("update agent %s: %w", paw, ErrNotFound)
	}
	if p.Group != nil && *p.Group != "" {
		a.Group = *p.Group
	}
	if p.Trusted != nil {
		a.Trusted = *p.Trusted
	}
	if p.SleepMin != nil && *p.SleepMin >= 0 {
		a.SleepMin = *p.SleepMin
	}
	if p.SleepMax != nil && *p.SleepMax >= 0 {
		a.SleepMax = *p.SleepMax
	}
	if a.SleepMax < a.SleepMin {
		a.SleepMax = a.SleepMin
	}
	return a.copy(), nil
}

// Remove deletes the agent unless a live operation still references it.
func (r *Registry) Remove(paw string) error {
	if r.InUse != nil && r.InUse(paw) {
		return fmt.Errorf("remove agent %s: %w", paw, ErrInUse)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[paw]; !ok {
		return fmt.Errorf("remove agent %s: %w", paw, ErrNotFound)
	}
	delete(r.agents, paw)
	return nil
}

// MarkStale flags agents not seen within timeout as untrusted and returns
// their paws.
func (r *Registry) MarkStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	var out []string
	for _, a := range r.agents {
		if a.Trusted && a.LastSeen.Before(cutoff) {
			a.Trusted = false
			out = append(out, a.Paw)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns summary counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	s.Total = len(r.agents)
	for _, a := range r.agents {
		if a.Trusted {
			s.Trusted++
		} else {
			s.Untrusted++
		}
	}
	return s
}

func (a *Agent) copy() Agent {
	c := *a
	c.Executors = append([]string(nil), a.Executors...)
	return c
}
