// Package artifact persists the stage-to-stage JSON contract: each
// pipeline stage writes its findings to a file under the state
// directory and the next stage loads them back. File names and field
// names are the compatibility surface and do not change.
package artifact

import (
	"time"

	"github.com/fermsi-paradox/openai-injex/internal/neutralize"
	"github.com/fermsi-paradox/openai-injex/internal/origin"
	"github.com/fermsi-paradox/openai-injex/internal/verify"
)

// AnalysisEntry is one traced threat in the analysis report.
type AnalysisEntry struct {
	ThreatID   string         `json:"threat_id"`
	Origin     map[string]any `json:"origin"`
	Confidence float64        `json:"confidence"`
}

// NewAnalysisEntry converts an origin record to its artifact shape.
func NewAnalysisEntry(rec origin.Record) AnalysisEntry {
	return AnalysisEntry{
		ThreatID:   rec.ThreatID,
		Origin:     rec.Doc(),
		Confidence: rec.Confidence,
	}
}

// DefenseEntry is one neutralization result in the defense artifact.
type DefenseEntry struct {
	ThreatID  string               `json:"threat_id"`
	Success   bool                 `json:"injection_success"`
	Method    string               `json:"method_used,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Attempts  []neutralize.Attempt `json:"attempts,omitempty"`
}

// NewDefenseEntry converts an engine result to its artifact shape.
func NewDefenseEntry(res neutralize.Result, at time.Time) DefenseEntry {
	return DefenseEntry{
		ThreatID:  res.ThreatID,
		Success:   res.Success,
		Method:    res.Method,
		Timestamp: at.UTC(),
		Attempts:  res.Attempts,
	}
}

// VerificationEntry is one verdict in the verification artifact.
type VerificationEntry struct {
	ThreatID    string    `json:"threat_id"`
	Neutralized bool      `json:"neutralized"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewVerificationEntry converts a verifier record to its artifact
// shape.
func NewVerificationEntry(rec verify.Record) VerificationEntry {
	return VerificationEntry{
		ThreatID:    rec.ThreatID,
		Neutralized: rec.Neutralized,
		Timestamp:   rec.VerifiedAt,
	}
}
