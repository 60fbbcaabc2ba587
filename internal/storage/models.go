package storage

import (
	"github.com/ssd-technologies/chainops/internal/fact"
	"github.com/ssd-technologies/chainops/internal/link"
	"github.com/ssd-technologies/chainops/internal/operation"
)

// Snapshot is everything persisted for one operation, in insertion order.
type Snapshot struct {
	Record operation.Record
	Chain  []*link.Link
	Facts  []fact.Fact
	Audit  []operation.AuditEntry
}
