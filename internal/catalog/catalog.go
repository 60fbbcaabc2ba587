// Package catalog is the registry of abilities and adversary profiles.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ssd-technologies/chainops/internal/parser"
)

// PrivilegeElevated marks abilities that need an elevated agent.
const PrivilegeElevated = "Elevated"

// ErrNotFound is returned for unknown abilities and adversaries.
var ErrNotFound = errors.New("not found")

// Executor is the per-(platform, executor) variant of an ability.
type Executor struct {
	Platform string        `yaml:"platform" json:"platform"`
	Name     string        `yaml:"executor" json:"executor"`
	Command  string        `yaml:"command" json:"command"`
	Cleanup  string        `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	Timeout  int           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Payloads []string      `yaml:"payloads,omitempty" json:"payloads,omitempty"`
	Parsers  []parser.Rule `yaml:"parsers,omitempty" json:"parsers,omitempty"`
}

// Ability is an immutable, versioned command template bound to an ATT&CK
// technique.
type Ability struct {
	ID            string     `yaml:"id" json:"ability_id"`
	Version       int        `yaml:"-" json:"version"`
	Name          string     `yaml:"name" json:"name"`
	Description   string     `yaml:"description,omitempty" json:"description"`
	Tactic        string     `yaml:"tactic" json:"tactic"`
	TechniqueID   string     `yaml:"technique_id" json:"technique_id"`
	TechniqueName string     `yaml:"technique_name" json:"technique_name"`
	Privilege     string     `yaml:"privilege,omitempty" json:"privilege,omitempty"`
	Visibility    int        `yaml:"visibility,omitempty" json:"visibility,omitempty"`
	Executors     []Executor `yaml:"executors" json:"executors"`
}

// DefaultTimeout applies to executors that do not set one (seconds).
const DefaultTimeout = 60

// DefaultVisibility is the detection score of abilities that do not set one.
const DefaultVisibility = 50

// VisibilityScore returns how noisy the ability is, 1-100.
func (a *Ability) VisibilityScore() int {
	if a.Visibility == 0 {
		return DefaultVisibility
	}
	return a.Visibility
}

// Executor returns the first executor of a that runs on platform using one of
// the agent's executors, in the agent's preference order.
func (a *Ability) Executor(platform string, available []string) (*Executor, bool) {
	for _, name := range available {
		for i := range a.Executors {
			e := &a.Executors[i]
			if e.Platform == platform && e.Name == name {
				return e, true
			}
		}
	}
	return nil, false
}

// ExecutorNamed returns the executor for (platform, name).
func (a *Ability) ExecutorNamed(platform, name string) (*Executor, bool) {
	return a.Executor(platform, []string{name})
}

// Validate checks required fields and parser rules.
func (a *Ability) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("ability id required")
	}
	if a.Name == "" {
		return fmt.Errorf("ability %s: name required", a.ID)
	}
	if len(a.Executors) == 0 {
		return fmt.Errorf("ability %s: at least one executor required", a.ID)
	}
	if a.Visibility < 0 || a.Visibility > 100 {
		return fmt.Errorf("ability %s: visibility %d out of range 1-100", a.ID, a.Visibility)
	}
	for _, e := range a.Executors {
		if e.Platform == "" || e.Name == "" {
			return fmt.Errorf("ability %s: executor platform and name required", a.ID)
		}
		if e.Command == "" {
			return fmt.Errorf("ability %s: %s/%s command required", a.ID, e.Platform, e.Name)
		}
		for _, r := range e.Parsers {
			if err := parser.Validate(r); err != nil {
				return fmt.Errorf("ability %s: %w", a.ID, err)
			}
		}
	}
	return nil
}

// Adversary is an ordered list of phases of ability ids.
type Adversary struct {
	ID          string     `json:"adversary_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Phases      [][]string `json:"phases"`
}

// AbilityIDs returns every referenced ability id in phase order.
func (a *Adversary) AbilityIDs() []string {
	var out []string
	for _, p := range a.Phases {
		out = append(out, p...)
	}
	return out
}

// Catalog stores every version of every ability. Stored abilities are never
// mutated; PutAbility appends a new version.
type Catalog struct {
	mu          sync.RWMutex
	abilities   map[string][]*Ability
	adversaries map[string]*Adversary
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		abilities:   make(map[string][]*Ability),
		adversaries: make(map[string]*Adversary),
	}
}

// PutAbility stores a as the next version of its id and returns that version.
func (c *Catalog) PutAbility(a Ability) (*Ability, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := a
	stored.Executors = append([]Executor(nil), a.Executors...)
	stored.Version = len(c.abilities[a.ID]) + 1
	c.abilities[a.ID] = append(c.abilities[a.ID], &stored)
	return &stored, nil
}

// Ability returns the latest version of id.
func (c *Catalog) Ability(id string) (*Ability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.abilities[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("ability %s: %w", id, ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

// AbilityVersion returns a specific version of id.
func (c *Catalog) AbilityVersion(id string, version int) (*Ability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.abilities[id]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("ability %s v%d: %w", id, version, ErrNotFound)
	}
	return versions[version-1], nil
}

// Abilities returns the latest version of every ability sorted by id.
func (c *Catalog) Abilities() []*Ability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Ability, 0, len(c.abilities))
	for _, versions := range c.abilities {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutAdversary stores or replaces an adversary profile. Every referenced
// ability must exist.
func (c *Catalog) PutAdversary(a Adversary) error {
	if a.ID == "" {
		return fmt.Errorf("adversary id required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range a.AbilityIDs() {
		if len(c.abilities[id]) == 0 {
			return fmt.Errorf("adversary %s references ability %s: %w", a.ID, id, ErrNotFound)
		}
	}
	stored := a
	c.adversaries[a.ID] = &stored
	return nil
}

// Adversary returns the profile with id.
func (c *Catalog) Adversary(id string) (*Adversary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adversaries[id]
	if !ok {
		return nil, fmt.Errorf("adversary %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// Adversaries returns every profile sorted by id.
func (c *Catalog) Adversaries() []*Adversary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Adversary, 0, len(c.adversaries))
	for _, a := range c.adversaries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Phase resolves the latest ability versions of phase i of adv. Unknown ids
// are returned separately.
func (c *Catalog) Phase(adv *Adversary, i int) ([]*Ability, []string) {
	if i < 0 || i >= len(adv.Phases) {
		return nil, nil
	}
	var abilities []*Ability
	var missing []string
	for _, id := range adv.Phases[i] {
		a, err := c.Ability(id)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		abilities = append(abilities, a)
	}
	return abilities, missing
}
