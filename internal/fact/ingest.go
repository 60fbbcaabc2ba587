package fact

import (
	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/parser"
)

// Source describes the link a result came from.
type Source struct {
	LinkID      int
	Paw         string
	AbilityID   string
	TechniqueID string
	Score       int
}

// Ingest runs every rule over output and appends new facts. Re-ingesting the
// same output is a no-op. A failing rule is logged and skipped.
func (s *Store) Ingest(src Source, rules []parser.Rule, output string, log *zap.Logger) []Fact {
	if log == nil {
		log = zap.NewNop()
	}
	var added []Fact
	for _, r := range rules {
		pairs, err := parser.Extract(r, output)
		if err != nil {
			log.Warn("parser failed",
				zap.Int("link", src.LinkID),
				zap.String("ability", src.AbilityID),
				zap.String("kind", r.Kind),
				zap.Error(err))
			continue
		}
		for _, p := range pairs {
			f, ok := s.Add(Fact{
				Trait:       p.Trait,
				Value:       p.Value,
				Score:       src.Score,
				LinkID:      src.LinkID,
				CollectedBy: src.Paw,
				TechniqueID: src.TechniqueID,
			})
			if ok {
				added = append(added, f)
			}
		}
	}
	return added
}
