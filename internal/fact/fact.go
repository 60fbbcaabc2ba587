// Package fact holds the operation-scoped knowledge base: discovered
// (trait, value) pairs with provenance.
package fact

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Fact is a discovered (trait, value) pair.
type Fact struct {
	Trait       string    `json:"trait"`
	Value       string    `json:"value"`
	Score       int       `json:"score"`
	LinkID      int       `json:"link_id"`
	CollectedBy string    `json:"collected_by,omitempty"`
	TechniqueID string    `json:"technique_id,omitempty"`
	Created     time.Time `json:"created"`
}

// Key identifies a fact for deduplication. Scope is the collecting paw for
// host-scoped facts extracted from links and empty otherwise.
type Key struct {
	Trait string
	Value string
	Scope string
}

// Key returns the dedup key of f.
func (f Fact) Key() Key {
	return Key{Trait: f.Trait, Value: f.Value, Scope: f.Scope()}
}

// Scope returns the paw a host-scoped fact belongs to. The same value found
// on two hosts is two facts.
func (f Fact) Scope() string {
	if f.HostScoped() && !f.Seeded() {
		return f.CollectedBy
	}
	return ""
}

// HostScoped reports whether the trait only applies to the host that
// produced it.
func (f Fact) HostScoped() bool {
	return strings.HasPrefix(f.Trait, "host.")
}

// Seeded reports whether the fact was supplied at operation start rather
// than extracted from a link.
func (f Fact) Seeded() bool {
	return f.LinkID == 0
}

// DefaultScore is assigned to facts that do not carry one.
const DefaultScore = 1

// Store is an append-only fact log with atomic dedup on Key.
type Store struct {
	mu    sync.RWMutex
	facts []Fact
	index map[Key]struct{}
	now   func() time.Time
}

// NewStore creates a store preloaded with seed facts.
func NewStore(seed ...Fact) *Store {
	s := &Store{
		index: make(map[Key]struct{}),
		now:   time.Now,
	}
	for _, f := range seed {
		s.Add(f)
	}
	return s
}

// Add inserts f unless a fact with the same key exists. It returns the
// stored fact and whether it was new.
func (s *Store) Add(f Fact) (Fact, bool) {
	if f.Trait == "" || f.Value == "" {
		return f, false
	}
	if f.Score == 0 {
		f.Score = DefaultScore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[f.Key()]; ok {
		return f, false
	}
	if f.Created.IsZero() {
		f.Created = s.now()
	}
	s.index[f.Key()] = struct{}{}
	s.facts = append(s.facts, f)
	return f, true
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// All returns a copy of every fact in insertion order.
func (s *Store) All() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

// Candidates returns the facts that may satisfy trait for paw. Host-scoped
// traits only match facts collected by the same paw or seeded facts.
func (s *Store) Candidates(trait, paw string) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Fact
	for _, f := range s.facts {
		if f.Trait != trait || f.Score <= 0 {
			continue
		}
		if f.HostScoped() && !f.Seeded() && f.CollectedBy != paw {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Best picks the preferred value for trait: highest score, then most
// recently discovered, then lexicographically smallest value.
func (s *Store) Best(trait, paw string) (Fact, bool) {
	c := s.Candidates(trait, paw)
	if len(c) == 0 {
		return Fact{}, false
	}
	Sort(c)
	return c[0], true
}

// Sort orders facts by preference (see Best).
func Sort(facts []Fact) {
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.After(b.Created)
		}
		return a.Value < b.Value
	})
}

// Traits counts facts per trait.
func Traits(facts []Fact) map[string]int {
	out := make(map[string]int)
	for _, f := range facts {
		out[f.Trait]++
	}
	return out
}
