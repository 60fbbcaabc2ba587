// Package report summarises an operation for export.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/planner"
)

// Attack is the ATT&CK classification of a step.
type Attack struct {
	Tactic        string `json:"tactic"`
	TechniqueID   string `json:"technique_id"`
	TechniqueName string `json:"technique_name"`
}

// Step is one executed or pending link.
type Step struct {
	LinkID      int    `json:"link_id"`
	AbilityID   string `json:"ability_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`
	Platform    string `json:"platform"`
	Executor    string `json:"executor"`
	Delegated   string `json:"delegated"`
	Run         string `json:"run"`
	Status      int    `json:"status"`
	PID         int    `json:"pid"`
	Cleanup     bool   `json:"cleanup"`
	Attack      Attack `json:"attack"`
	Output      string `json:"output,omitempty"`
}

// AgentSteps groups the steps of one paw.
type AgentSteps struct {
	Steps []Step `json:"steps"`
}

// Report is the exported operation summary.
type Report struct {
	Name             string                         `json:"name"`
	HostGroup        string                         `json:"host_group"`
	Planner          string                         `json:"planner"`
	Adversary        string                         `json:"adversary"`
	Jitter           string                         `json:"jitter"`
	State            operation.State                `json:"state"`
	Start            string                         `json:"start"`
	Finish           string                         `json:"finish"`
	DurationSeconds  float64                        `json:"duration_seconds"`
	Steps            map[string]AgentSteps          `json:"steps"`
	StepCount        int                            `json:"step_count"`
	Successful       int                            `json:"successful"`
	SuccessRatio     float64                        `json:"success_ratio"`
	Tactics          map[string]int                 `json:"tactics"`
	Techniques       map[string]int                 `json:"techniques"`
	FactTraits       map[string]int                 `json:"fact_traits"`
	SkippedAbilities []map[string][]planner.Skipped `json:"skipped_abilities"`
}

// Build derives a report from an operation view. The view must have been
// built with output when agentOutput is set. Unfinished operations measure
// their duration against now.
func Build(v operation.View, cat *catalog.Catalog, agentOutput bool, now time.Time) (*Report, error) {
	r := &Report{
		Name:             v.Name,
		HostGroup:        v.Group,
		Planner:          v.Planner,
		Jitter:           v.Jitter,
		State:            v.State,
		Start:            v.Start,
		Finish:           v.Finish,
		Steps:            make(map[string]AgentSteps),
		Tactics:          make(map[string]int),
		Techniques:       make(map[string]int),
		FactTraits:       fact.Traits(v.Facts),
		SkippedAbilities: v.SkippedAbilities,
	}
	if v.Adversary != nil {
		r.Adversary = v.Adversary.Name
	}
	end := v.FinishTime
	if end.IsZero() {
		end = now
	}
	if !v.StartTime.IsZero() {
		r.DurationSeconds = end.Sub(v.StartTime).Seconds()
	}

	platforms := make(map[string]string, len(v.HostGroup))
	for _, a := range v.HostGroup {
		platforms[a.Paw] = a.Platform
		r.Steps[a.Paw] = AgentSteps{Steps: []Step{}}
	}

	for _, w := range v.Chain {
		cmd, err := link.Decode(w.Command)
		if err != nil {
			return nil, fmt.Errorf("build report: link %d command: %w", w.ID, err)
		}
		s := Step{
			LinkID:    w.ID,
			AbilityID: w.AbilityID,
			Command:   cmd,
			Platform:  platforms[w.Paw],
			Executor:  w.Executor,
			Delegated: w.Collect,
			Run:       w.Finish,
			Status:    w.Status,
			PID:       w.PID,
			Cleanup:   w.Cleanup == 1,
		}
		if ab, err := cat.AbilityVersion(w.AbilityID, w.AbilityVersion); err == nil {
			s.Name = ab.Name
			s.Description = ab.Description
			s.Attack = Attack{Tactic: ab.Tactic, TechniqueID: ab.TechniqueID, TechniqueName: ab.TechniqueName}
		}
		if agentOutput && w.Output != "" {
			out, err := link.Decode(w.Output)
			if err != nil {
				return nil, fmt.Errorf("build report: link %d output: %w", w.ID, err)
			}
			s.Output = out
		}

		steps := r.Steps[w.Paw]
		steps.Steps = append(steps.Steps, s)
		r.Steps[w.Paw] = steps

		r.StepCount++
		if w.Status == link.CodeSuccess {
			r.Successful++
		}
		if s.Attack.Tactic != "" {
			r.Tactics[s.Attack.Tactic]++
		}
		if s.Attack.TechniqueID != "" {
			r.Techniques[s.Attack.TechniqueID]++
		}
	}
	if r.StepCount > 0 {
		r.SuccessRatio = float64(r.Successful) / float64(r.StepCount)
	}
	return r, nil
}

// FileName returns the export file name for r.
func (r *Report) FileName() string {
	name := strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' || c == os.PathSeparator {
			return '_'
		}
		return c
	}, r.Name)
	return "operation_report_" + name + ".json"
}

// Write stores r as indented JSON in dir and returns the file path.
func (r *Report) Write(dir string) (string, error) {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, r.FileName())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
