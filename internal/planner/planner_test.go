package planner

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
)

func testAgent(paw string) agent.Agent {
	return agent.Agent{
		Paw:       paw,
		Host:      paw + "-host",
		Platform:  "linux",
		Group:     "red",
		Location:  "/tmp/agent",
		Trusted:   true,
		Executors: []string{"sh"},
	}
}

func testAbility(id, command string) *catalog.Ability {
	return &catalog.Ability{
		ID:          id,
		Version:     1,
		Name:        "ability " + id,
		Tactic:      "discovery",
		TechniqueID: "T" + id,
		Executors: []catalog.Executor{
			{Platform: "linux", Name: "sh", Command: command},
		},
	}
}

func TestRenderSubstitutesFactsAndSpecials(t *testing.T) {
	now := time.Now()
	store := fact.NewStore(
		fact.Fact{Trait: "remote.host", Value: "b", Score: 1, Created: now},
		fact.Fact{Trait: "remote.host", Value: "a", Score: 1, Created: now},
		fact.Fact{Trait: "remote.host", Value: "z", Score: 1, Created: now.Add(-time.Hour)},
	)
	ag := testAgent("p1")
	r := Render("ping #{remote.host} via #{server} from #{paw} #{origin_link_id}", ag, Env{Server: "http://c2"}, store)

	assert.Empty(t, r.Missing)
	assert.Equal(t, "ping a via http://c2 from p1 #{origin_link_id}", r.Command)
	require.Len(t, r.Used, 1)
	assert.Equal(t, "a", r.Used[0].Value)
}

func TestRenderPrefersHighestScore(t *testing.T) {
	store := fact.NewStore(
		fact.Fact{Trait: "user", Value: "alice", Score: 1},
		fact.Fact{Trait: "user", Value: "root", Score: 5},
	)
	r := Render("su #{user}", testAgent("p1"), Env{}, store)
	assert.Equal(t, "su root", r.Command)
	assert.Equal(t, 5, r.Score)
}

func TestRenderHostScopedFacts(t *testing.T) {
	store := fact.NewStore()
	store.Add(fact.Fact{Trait: "host.user.name", Value: "bob", LinkID: 3, CollectedBy: "other"})

	r := Render("id #{host.user.name}", testAgent("p1"), Env{}, store)
	assert.Equal(t, []string{"host.user.name"}, r.Missing)

	r = Render("id #{host.user.name}", testAgent("other"), Env{}, store)
	assert.Empty(t, r.Missing)
	assert.Equal(t, "id bob", r.Command)
}

func TestRenderEncodeRoundTrip(t *testing.T) {
	store := fact.NewStore(
		fact.Fact{Trait: "greeting", Value: "héllo wörld ✓"},
		fact.Fact{Trait: "plain", Value: "hello world"},
	)
	for _, tmpl := range []string{"echo #{plain}", "echo #{greeting} | tee /tmp/ü"} {
		r := Render(tmpl, testAgent("p1"), Env{}, store)
		got, err := link.Decode(link.Encode(r.Command))
		require.NoError(t, err)
		assert.Equal(t, r.Command, got)
	}
}

func TestBatchSkipsMissingFact(t *testing.T) {
	in := Input{
		OperationID: "op",
		Abilities:   []*catalog.Ability{testAbility("B", "nslookup #{host.domain}")},
		Agents:      []agent.Agent{testAgent("p1")},
		Facts:       fact.NewStore(),
	}
	p := Batch{}.Propose(context.Background(), in)

	assert.Empty(t, p.Links)
	want := []Skipped{{Paw: "p1", AbilityID: "B", AbilityName: "ability B", Reason: "missing fact: host.domain"}}
	if diff := cmp.Diff(want, p.Skipped); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchNeverProposesUnresolved(t *testing.T) {
	in := Input{
		Abilities: []*catalog.Ability{
			testAbility("A", "whoami"),
			testAbility("B", "cat #{file.path} #{user}"),
			testAbility("C", "ls #{dir}"),
		},
		Agents: []agent.Agent{testAgent("p1"), testAgent("p2")},
		Facts:  fact.NewStore(fact.Fact{Trait: "dir", Value: "/etc"}),
	}
	p := Batch{}.Propose(context.Background(), in)

	require.Len(t, p.Links, 4)
	for _, l := range p.Links {
		assert.NotContains(t, l.Command, "#{")
		assert.NotEqual(t, "B", l.AbilityID)
	}
	require.Len(t, p.Skipped, 2)
	assert.Equal(t, "missing fact: file.path, user", p.Skipped[0].Reason)
}

func TestBatchDoesNotReproposeChain(t *testing.T) {
	ab := testAbility("A", "whoami")
	in := Input{
		Abilities: []*catalog.Ability{ab},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     fact.NewStore(),
	}
	first := Batch{}.Propose(context.Background(), in)
	require.Len(t, first.Links, 1)

	in.Chain = first.Links
	again := Batch{}.Propose(context.Background(), in)
	assert.Empty(t, again.Links)
	assert.Empty(t, again.Skipped)
}

func TestBatchReasons(t *testing.T) {
	elevated := testAbility("E", "cat /etc/shadow")
	elevated.Privilege = catalog.PrivilegeElevated
	windows := &catalog.Ability{ID: "W", Name: "win", Executors: []catalog.Executor{
		{Platform: "windows", Name: "psh", Command: "Get-Process"},
	}}
	in := Input{
		Abilities: []*catalog.Ability{elevated, windows},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     fact.NewStore(),
	}
	p := Batch{}.Propose(context.Background(), in)
	require.Len(t, p.Skipped, 2)
	assert.Equal(t, ReasonPrivilege, p.Skipped[0].Reason)
	assert.Equal(t, ReasonNoExecutor, p.Skipped[1].Reason)
}

func TestBatchSkipsAboveVisibility(t *testing.T) {
	loud := testAbility("L", "mimikatz")
	loud.Visibility = 90
	quiet := testAbility("Q", "whoami")
	in := Input{
		Abilities: []*catalog.Ability{loud, quiet},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     fact.NewStore(),
		Env:       Env{Visibility: 50},
	}
	p := Batch{}.Propose(context.Background(), in)
	require.Len(t, p.Links, 1)
	assert.Equal(t, "Q", p.Links[0].AbilityID)
	require.Len(t, p.Skipped, 1)
	assert.Equal(t, "L", p.Skipped[0].AbilityID)
	assert.Equal(t, ReasonVisibility, p.Skipped[0].Reason)

	in.Env.Visibility = 90
	p = Batch{}.Propose(context.Background(), in)
	assert.Len(t, p.Links, 2)
	assert.Empty(t, p.Skipped)
}

func TestBatchDefaultsTimeoutAndPinsVersion(t *testing.T) {
	ab := testAbility("A", "whoami")
	ab.Version = 3
	p := Batch{}.Propose(context.Background(), Input{
		Abilities: []*catalog.Ability{ab},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     fact.NewStore(),
	})
	require.Len(t, p.Links, 1)
	assert.Equal(t, catalog.DefaultTimeout, p.Links[0].Timeout)
	assert.Equal(t, 3, p.Links[0].AbilityVersion)
	assert.Equal(t, "sh", p.Links[0].Executor)
}

func TestAtomicOneLinkPerAgent(t *testing.T) {
	in := Input{
		Abilities: []*catalog.Ability{
			testAbility("A", "whoami"),
			testAbility("B", "hostname"),
		},
		Agents: []agent.Agent{testAgent("p1")},
		Facts:  fact.NewStore(),
	}
	first := Atomic{}.Propose(context.Background(), in)
	require.Len(t, first.Links, 1)
	assert.Equal(t, "A", first.Links[0].AbilityID)

	// Busy agent gets nothing.
	first.Links[0].Status = link.StatusQueued
	in.Chain = first.Links
	assert.Empty(t, Atomic{}.Propose(context.Background(), in).Links)

	first.Links[0].Status = link.StatusSuccess
	next := Atomic{}.Propose(context.Background(), in)
	require.Len(t, next.Links, 1)
	assert.Equal(t, "B", next.Links[0].AbilityID)
}

func TestLookup(t *testing.T) {
	p, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, BatchName, p.Name())

	p, err = Lookup("atomic")
	require.NoError(t, err)
	assert.Equal(t, AtomicName, p.Name())

	_, err = Lookup("buckets")
	assert.Error(t, err)
}

func TestPotentialRanksByRelevance(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := fact.NewStore(
		fact.Fact{Trait: "remote.host", Value: "10.0.0.5", Score: 2, Created: now.Add(-3 * time.Minute)},
	)
	covered := testAbility("A", "whoami")
	fresh := testAbility("B", "ping #{remote.host}")
	other := testAbility("C", "uname -a")
	other.TechniqueID = covered.TechniqueID

	in := Input{
		Abilities: []*catalog.Ability{covered, fresh, other},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     store,
		Chain:     []*link.Link{{AbilityID: "A", Paw: "p1", Command: "whoami", Status: link.StatusSuccess}},
	}
	got := Potential(context.Background(), in, now)

	var ids []string
	var scores []int
	for _, c := range got {
		ids = append(ids, c.Link.AbilityID)
		scores = append(scores, c.Relevance)
	}
	if diff := cmp.Diff([]string{"B", "C"}, ids); diff != "" {
		t.Fatalf("candidate order (-want +got):\n%s", diff)
	}
	// B: uncovered (10) + score 2 + recency 7. C: technique already covered.
	if diff := cmp.Diff([]int{19, 0}, scores); diff != "" {
		t.Fatalf("relevance (-want +got):\n%s", diff)
	}
}

func TestHashSurvivesEdit(t *testing.T) {
	p := Batch{}.Propose(context.Background(), Input{
		Abilities: []*catalog.Ability{testAbility("A", "echo #{origin_link_id}")},
		Agents:    []agent.Agent{testAgent("p1")},
		Facts:     fact.NewStore(),
	})
	require.Len(t, p.Links, 1)
	l := p.Links[0]
	before := l.Hash()
	l.Command = ReplaceOrigin(l.Command, "7")
	assert.Equal(t, "echo 7", l.Command)
	assert.Equal(t, before, l.Hash())
}
