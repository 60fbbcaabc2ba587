package fact

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/chainops/internal/parser"
)

func TestAddDeduplicates(t *testing.T) {
	s := NewStore()
	_, ok := s.Add(Fact{Trait: "host.name", Value: "dc01"})
	require.True(t, ok)
	_, ok = s.Add(Fact{Trait: "host.name", Value: "dc01", Score: 9})
	assert.False(t, ok)
	_, ok = s.Add(Fact{Trait: "host.name", Value: ""})
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, DefaultScore, s.All()[0].Score)
}

func TestAddConcurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	added := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := s.Add(Fact{Trait: "t", Value: "v"})
			added <- ok
		}()
	}
	wg.Wait()
	close(added)
	n := 0
	for ok := range added {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
}

func TestBestOrdering(t *testing.T) {
	now := time.Now()
	s := NewStore(
		Fact{Trait: "u", Value: "old", Score: 3, Created: now.Add(-time.Hour)},
		Fact{Trait: "u", Value: "zeta", Score: 3, Created: now},
		Fact{Trait: "u", Value: "beta", Score: 3, Created: now},
		Fact{Trait: "u", Value: "low", Score: 1, Created: now.Add(time.Hour)},
	)
	f, ok := s.Best("u", "p")
	require.True(t, ok)
	assert.Equal(t, "beta", f.Value)

	_, ok = s.Best("missing", "p")
	assert.False(t, ok)
}

func TestCandidatesHostScope(t *testing.T) {
	s := NewStore(Fact{Trait: "host.dir", Value: "/seed"})
	s.Add(Fact{Trait: "host.dir", Value: "/mine", LinkID: 1, CollectedBy: "p1"})
	s.Add(Fact{Trait: "host.dir", Value: "/theirs", LinkID: 2, CollectedBy: "p2"})
	s.Add(Fact{Trait: "host.dir", Value: "/disabled", LinkID: 3, CollectedBy: "p1", Score: -1})

	var got []string
	for _, f := range s.Candidates("host.dir", "p1") {
		got = append(got, f.Value)
	}
	assert.ElementsMatch(t, []string{"/seed", "/mine"}, got)
}

func TestHostFactPerPaw(t *testing.T) {
	s := NewStore()
	_, ok := s.Add(Fact{Trait: "host.user.name", Value: "root", LinkID: 1, CollectedBy: "p1"})
	require.True(t, ok)
	_, ok = s.Add(Fact{Trait: "host.user.name", Value: "root", LinkID: 2, CollectedBy: "p2"})
	require.True(t, ok, "same host value on another agent is a separate fact")
	_, ok = s.Add(Fact{Trait: "host.user.name", Value: "root", LinkID: 3, CollectedBy: "p1"})
	assert.False(t, ok)

	_, ok = s.Add(Fact{Trait: "domain.name", Value: "corp", LinkID: 1, CollectedBy: "p1"})
	require.True(t, ok)
	_, ok = s.Add(Fact{Trait: "domain.name", Value: "corp", LinkID: 2, CollectedBy: "p2"})
	assert.False(t, ok, "global traits dedup across agents")
	assert.Equal(t, 3, s.Len())

	for _, paw := range []string{"p1", "p2"} {
		f, ok := s.Best("host.user.name", paw)
		require.True(t, ok, paw)
		assert.Equal(t, "root", f.Value)
		assert.Equal(t, paw, f.CollectedBy)
	}
	_, ok = s.Best("host.user.name", "p3")
	assert.False(t, ok)
}

func TestIngestIdempotent(t *testing.T) {
	s := NewStore()
	rules := []parser.Rule{
		{Kind: parser.KindLine, Trait: "host.user.name"},
		{Kind: parser.KindJSON, Trait: "broken", Pattern: "a"},
	}
	src := Source{LinkID: 4, Paw: "p1", AbilityID: "a1", TechniqueID: "T1033"}
	out := "root\nadmin\n"
	log := zaptest.NewLogger(t)

	first := s.Ingest(src, rules, out, log)
	require.Len(t, first, 2)
	assert.Equal(t, 4, first[0].LinkID)
	assert.Equal(t, "p1", first[0].CollectedBy)
	assert.Equal(t, "T1033", first[0].TechniqueID)

	size := s.Len()
	again := s.Ingest(src, rules, out, log)
	assert.Empty(t, again)
	assert.Equal(t, size, s.Len())
}

func TestTraits(t *testing.T) {
	got := Traits([]Fact{{Trait: "a"}, {Trait: "b"}, {Trait: "a"}})
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, got)
}
