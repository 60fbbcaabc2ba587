package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/chainops/internal/parser"
)

func ability(id, cmd string) Ability {
	return Ability{
		ID:   id,
		Name: "name " + id,
		Executors: []Executor{
			{Platform: "linux", Name: "sh", Command: cmd},
			{Platform: "windows", Name: "psh", Command: cmd},
			{Platform: "windows", Name: "cmd", Command: cmd + ".exe"},
		},
	}
}

func TestPutAbilityVersions(t *testing.T) {
	c := New()
	v1, err := c.PutAbility(ability("a", "whoami"))
	require.NoError(t, err)
	v2, err := c.PutAbility(ability("a", "id"))
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	latest, err := c.Ability("a")
	require.NoError(t, err)
	assert.Equal(t, "id", latest.Executors[0].Command)

	old, err := c.AbilityVersion("a", 1)
	require.NoError(t, err)
	assert.Equal(t, "whoami", old.Executors[0].Command)

	_, err = c.AbilityVersion("a", 3)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutAbilityValidates(t *testing.T) {
	c := New()
	_, err := c.PutAbility(Ability{ID: "x"})
	assert.Error(t, err)
	bad := ability("y", "ls")
	bad.Executors[0].Command = ""
	_, err = c.PutAbility(bad)
	assert.Error(t, err)
	neg := ability("z", "id")
	neg.Executors[0].Parsers = []parser.Rule{{Kind: parser.KindRegex, Trait: "t", Pattern: `(\w+)`, Group: -1}}
	_, err = c.PutAbility(neg)
	assert.Error(t, err)
	_, err = c.Ability("z")
	assert.Error(t, err)
	loud := ability("v", "id")
	loud.Visibility = 101
	_, err = c.PutAbility(loud)
	assert.Error(t, err)
	def := ability("d", "id")
	assert.Equal(t, DefaultVisibility, def.VisibilityScore())
}

func TestExecutorPreference(t *testing.T) {
	a := ability("a", "whoami")
	e, ok := a.Executor("windows", []string{"cmd", "psh"})
	require.True(t, ok)
	assert.Equal(t, "cmd", e.Name)

	_, ok = a.Executor("darwin", []string{"sh"})
	assert.False(t, ok)
}

func TestAdversaryReferences(t *testing.T) {
	c := New()
	_, err := c.PutAbility(ability("a", "ls"))
	require.NoError(t, err)

	err = c.PutAdversary(Adversary{ID: "adv", Phases: [][]string{{"a", "missing"}}})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, c.PutAdversary(Adversary{ID: "adv", Phases: [][]string{{"a"}, {"a"}}}))
	adv, err := c.Adversary("adv")
	require.NoError(t, err)
	abilities, missing := c.Phase(adv, 1)
	assert.Len(t, abilities, 1)
	assert.Empty(t, missing)

	abilities, _ = c.Phase(adv, 2)
	assert.Empty(t, abilities)
}

const abilitiesYAML = `
- id: 1a
  name: Find user
  tactic: discovery
  technique_id: T1033
  technique_name: System Owner/User Discovery
  executors:
    - platform: linux
      executor: sh
      command: whoami
      parsers:
        - kind: line
          trait: host.user.name
- id: 2b
  name: Find domain
  tactic: discovery
  technique_id: T1482
  privilege: Elevated
  executors:
    - platform: linux
      executor: sh
      command: nslookup #{host.domain}
      cleanup: rm -f /tmp/x
      timeout: 30
`

const adversaryYAML = `
id: hunter
name: Hunter
description: two phases
phases:
  2: [2b]
  1: [1a]
`

const atomicYAML = `
id: atomic
name: Atomic
atomic_ordering: [1a, 2b]
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "abilities", "discovery"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "adversaries"), 0o755))
	write := func(path, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, path), []byte(body), 0o644))
	}
	write("abilities/discovery/all.yml", abilitiesYAML)
	write("adversaries/hunter.yml", adversaryYAML)
	write("adversaries/atomic.yaml", atomicYAML)

	c := New()
	require.NoError(t, c.Load(dir))

	assert.Len(t, c.Abilities(), 2)
	b, err := c.Ability("2b")
	require.NoError(t, err)
	assert.Equal(t, PrivilegeElevated, b.Privilege)
	assert.Equal(t, 30, b.Executors[0].Timeout)
	assert.Equal(t, "rm -f /tmp/x", b.Executors[0].Cleanup)

	hunter, err := c.Adversary("hunter")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1a"}, {"2b"}}, hunter.Phases)

	atomic, err := c.Adversary("atomic")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1a", "2b"}}, atomic.Phases)
}

func TestLoadCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "adversaries"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adversaries", "bad.yml"),
		[]byte("id: bad\nphases:\n  1: [nope]\n"), 0o644))

	err := New().Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadMissingDir(t *testing.T) {
	assert.NoError(t, New().Load(filepath.Join(t.TempDir(), "absent")))
}
