package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/planner"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New()
	for _, ab := range []catalog.Ability{
		{ID: "a", Name: "Find user", Tactic: "discovery", TechniqueID: "T1033", TechniqueName: "System Owner/User Discovery",
			Executors: []catalog.Executor{{Platform: "linux", Name: "sh", Command: "whoami"}}},
		{ID: "b", Name: "Find host", Tactic: "discovery", TechniqueID: "T1082", TechniqueName: "System Information Discovery",
			Executors: []catalog.Executor{{Platform: "linux", Name: "sh", Command: "hostname"}}},
	} {
		_, err := cat.PutAbility(ab)
		require.NoError(t, err)
	}
	return cat
}

func testView() operation.View {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return operation.View{
		Name:      "night/run",
		Group:     "red",
		Planner:   "batch",
		Jitter:    "2/8",
		State:     operation.StateRunning,
		Adversary: &catalog.Adversary{ID: "adv", Name: "Hunter"},
		Start:     start.Format(link.TimeFormat),
		StartTime: start,
		HostGroup: []agent.Agent{{Paw: "p1", Platform: "linux"}, {Paw: "p2", Platform: "linux"}},
		Chain: []link.Wire{
			{ID: 1, Paw: "p1", AbilityID: "a", AbilityVersion: 1, Executor: "sh", Command: link.Encode("whoami"),
				Status: link.CodeSuccess, Output: link.Encode("root\n")},
			{ID: 2, Paw: "p1", AbilityID: "b", AbilityVersion: 1, Executor: "sh", Command: link.Encode("hostname"),
				Status: link.CodeFailed},
		},
		Facts: []fact.Fact{{Trait: "host.user.name", Value: "root"}, {Trait: "host.user.name", Value: "admin"}},
		SkippedAbilities: []map[string][]planner.Skipped{
			{"p2": {{Paw: "p2", AbilityID: "a", Reason: planner.ReasonNoExecutor}}},
		},
	}
}

func TestBuild(t *testing.T) {
	v := testView()
	now := v.StartTime.Add(90 * time.Second)
	r, err := Build(v, testCatalog(t), false, now)
	require.NoError(t, err)

	assert.Equal(t, "Hunter", r.Adversary)
	assert.Equal(t, 90.0, r.DurationSeconds)
	assert.Equal(t, 2, r.StepCount)
	assert.Equal(t, 1, r.Successful)
	assert.Equal(t, 0.5, r.SuccessRatio)
	assert.Equal(t, map[string]int{"discovery": 2}, r.Tactics)
	assert.Equal(t, map[string]int{"T1033": 1, "T1082": 1}, r.Techniques)
	assert.Equal(t, map[string]int{"host.user.name": 2}, r.FactTraits)

	require.Len(t, r.Steps["p1"].Steps, 2)
	assert.Empty(t, r.Steps["p2"].Steps)
	first := r.Steps["p1"].Steps[0]
	assert.Equal(t, "whoami", first.Command)
	assert.Equal(t, "linux", first.Platform)
	assert.Equal(t, "Find user", first.Name)
	assert.Equal(t, "T1033", first.Attack.TechniqueID)
	assert.Empty(t, first.Output)
	require.Len(t, r.SkippedAbilities, 1)
}

func TestBuildWithOutput(t *testing.T) {
	v := testView()
	r, err := Build(v, testCatalog(t), true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "root\n", r.Steps["p1"].Steps[0].Output)
}

func TestBuildFinishedUsesFinishTime(t *testing.T) {
	v := testView()
	v.FinishTime = v.StartTime.Add(time.Minute)
	r, err := Build(v, testCatalog(t), false, v.StartTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 60.0, r.DurationSeconds)
}

func TestBuildRejectsBadCommand(t *testing.T) {
	v := testView()
	v.Chain[0].Command = "!!not base64"
	_, err := Build(v, testCatalog(t), false, time.Now())
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	r, err := Build(testView(), testCatalog(t), false, time.Now())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "reports")
	path, err := r.Write(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "operation_report_night_run.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.StepCount, back.StepCount)
	assert.Equal(t, "night/run", back.Name)
}
