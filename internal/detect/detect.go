// Package detect implements the four detection scanners (behavioral,
// network, process, log) and the aggregator that fans them out and
// merges their findings into a single threat report.
package detect

import (
	"context"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Scanner is one detection surface. Implementations must be safe for
// repeated Scan calls; each call observes the host fresh.
type Scanner interface {
	// Name identifies the scanner in logs and metrics.
	Name() string

	// Vector is the vector every record from this scanner carries.
	Vector() threat.Vector

	// Scan inspects the host and returns zero or more detections.
	Scan(ctx context.Context) ([]threat.Record, error)
}

// Filter returns a copy of the report restricted to the given detection
// IDs. Level and counts are re-derived from the surviving records.
func Filter(rep *threat.Report, ids ...string) *threat.Report {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var records []threat.Record
	for _, rec := range rep.Detections {
		if _, ok := keep[rec.ID]; ok {
			records = append(records, rec)
		}
	}
	return threat.NewReport(rep.Timestamp, records)
}
