// Package threat defines the detection model shared by every response
// stage: scan vectors, aggregate threat levels, per-detection records,
// and the report produced by a full sweep.
package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Vector identifies which scanner surface produced a detection.
type Vector int

const (
	VectorUnknown Vector = iota
	VectorBehavioral
	VectorNetwork
	VectorProcess
	VectorLog
)

func (v Vector) String() string {
	switch v {
	case VectorBehavioral:
		return "behavioral"
	case VectorNetwork:
		return "network"
	case VectorProcess:
		return "process"
	case VectorLog:
		return "log"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the vector as its lowercase name.
func (v Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a lowercase vector name. Names outside the
// known set decode to VectorUnknown rather than failing the record.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = ParseVector(s)
	return nil
}

// ParseVector maps a lowercase vector name to its Vector value.
func ParseVector(s string) Vector {
	switch s {
	case "behavioral":
		return VectorBehavioral
	case "network":
		return VectorNetwork
	case "process":
		return VectorProcess
	case "log":
		return VectorLog
	default:
		return VectorUnknown
	}
}

// Level is the aggregate threat level of a report, derived from the
// highest detection severity it contains.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalJSON encodes the level as its lowercase name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a lowercase level name. Unknown names decode
// to LevelNone.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ParseLevel(s)
	return nil
}

// ParseLevel maps a lowercase level name to its Level value.
func ParseLevel(s string) Level {
	switch s {
	case "low":
		return LevelLow
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	case "critical":
		return LevelCritical
	default:
		return LevelNone
	}
}

// LevelFromSeverity maps the highest detection severity to a level:
//
//	8–10 → critical
//	6–7  → high
//	4–5  → medium
//	1–3  → low
//	0    → none
func LevelFromSeverity(max int) Level {
	switch {
	case max >= 8:
		return LevelCritical
	case max >= 6:
		return LevelHigh
	case max >= 4:
		return LevelMedium
	case max >= 1:
		return LevelLow
	default:
		return LevelNone
	}
}

// Record is a single detection produced by one of the scanners.
// Records are values; once built they are never mutated.
type Record struct {
	ID          string    `json:"id"`
	Vector      Vector    `json:"type"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Evidence    Evidence  `json:"evidence,omitempty"`
	DetectedAt  time.Time `json:"timestamp"`
}

// Report is the aggregate output of a detection sweep.
type Report struct {
	Timestamp       time.Time `json:"timestamp"`
	ThreatsDetected bool      `json:"threats_detected"`
	Level           Level     `json:"threat_level"`
	AgentCount      int       `json:"agent_count"`
	Detections      []Record  `json:"detections"`
	Summary         string    `json:"summary"`
}

// NewReport aggregates scanner output into a report. Detections keep
// their merge order; a later record with an already-seen ID is dropped.
// The level is derived from the highest surviving severity, floored at
// low whenever any detection is present.
func NewReport(now time.Time, records []Record) *Report {
	rep := &Report{
		Timestamp:  now.UTC(),
		Detections: make([]Record, 0, len(records)),
	}

	seen := make(map[string]struct{}, len(records))
	maxSeverity := 0
	for _, rec := range records {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		rep.Detections = append(rep.Detections, rec)
		if rec.Severity > maxSeverity {
			maxSeverity = rec.Severity
		}
	}

	if len(rep.Detections) == 0 {
		rep.Summary = "No hostile AI agents detected"
		return rep
	}

	rep.ThreatsDetected = true
	rep.AgentCount = len(rep.Detections)
	rep.Level = LevelFromSeverity(maxSeverity)
	if rep.Level < LevelLow {
		rep.Level = LevelLow
	}
	rep.Summary = fmt.Sprintf("Detected %d hostile AI agent(s) with %s threat level",
		rep.AgentCount, rep.Level)
	return rep
}

// MaxSeverity returns the highest severity among the report's
// detections, or 0 for an empty report.
func (r *Report) MaxSeverity() int {
	max := 0
	for _, rec := range r.Detections {
		if rec.Severity > max {
			max = rec.Severity
		}
	}
	return max
}

// Find returns the detection with the given ID, or false when the
// report does not contain it.
func (r *Report) Find(id string) (Record, bool) {
	for _, rec := range r.Detections {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// RecordID derives a stable 8-character hex identifier from the given
// parts. Identical parts always yield the identical ID.
func RecordID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:4])
}

// ClampSeverity bounds a raw score to the 1–10 severity scale.
func ClampSeverity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
