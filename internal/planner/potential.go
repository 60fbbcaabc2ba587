package planner

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ssd-technologies/chainops/internal/link"
)

// Candidate is an uncommitted exploratory link.
type Candidate struct {
	Link        *link.Link `json:"link"`
	AbilityName string     `json:"ability_name"`
	Tactic      string     `json:"tactic"`
	TechniqueID string     `json:"technique_id"`
	Relevance   int        `json:"relevance"`
}

// Relevance weights.
const (
	uncoveredWeight = 10
	recencyWindow   = 10
)

// Potential resolves every ability in in.Abilities for every agent without
// phase restriction and ranks the buildable ones. Abilities whose technique
// is not yet covered by the chain rank higher, as do commands built from
// high-score, recently discovered facts.
func Potential(ctx context.Context, in Input, now time.Time) []Candidate {
	_, span := tracer.Start(ctx, "planner.potential")
	defer span.End()

	covered := make(map[string]bool)
	techniques := make(map[string]string)
	for _, ab := range in.Abilities {
		techniques[ab.ID] = ab.TechniqueID
	}
	for _, l := range in.Chain {
		if t := techniques[l.AbilityID]; t != "" {
			covered[t] = true
		}
	}

	var out []Candidate
	seen := existing(in.Chain)
	for _, ag := range in.Agents {
		for _, ab := range in.Abilities {
			l, _ := build(in, ag, ab, seen)
			if l == nil {
				continue
			}
			c := Candidate{
				Link:        l,
				AbilityName: ab.Name,
				Tactic:      ab.Tactic,
				TechniqueID: ab.TechniqueID,
			}
			if ab.TechniqueID == "" || !covered[ab.TechniqueID] {
				c.Relevance += uncoveredWeight
			}
			for _, f := range l.Used {
				c.Relevance += f.Score + recency(f.Created, now)
			}
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if a.Link.AbilityID != b.Link.AbilityID {
			return a.Link.AbilityID < b.Link.AbilityID
		}
		return a.Link.Paw < b.Link.Paw
	})
	span.SetAttributes(
		attribute.String("operation", in.OperationID),
		attribute.Int("candidates", len(out)))
	return out
}

func recency(created, now time.Time) int {
	age := int(now.Sub(created) / time.Minute)
	if age < 0 {
		age = 0
	}
	if r := recencyWindow - age; r > 0 {
		return r
	}
	return 0
}
