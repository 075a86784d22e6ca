// Package classify provides the client for the external threat
// classification service that backs behavioral scanning. The service
// speaks an OpenAI-compatible chat completion API and returns threat
// candidates as structured JSON.
package classify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrNoCredentials is returned by Ready when the client has no API key.
var ErrNoCredentials = errors.New("classification service credentials not configured")

// Candidate is one threat candidate returned by the service. Fields are
// loosely typed; the behavioral scanner normalizes candidates into
// detection records.
type Candidate struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Severity    float64        `json:"severity"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// Classifier analyzes serialized system activity for hostile-agent
// behavior.
type Classifier interface {
	// Classify submits an activity summary and returns the threat
	// candidates the service identified.
	Classify(ctx context.Context, activity string) ([]Candidate, error)

	// Ready reports whether the classifier can serve requests.
	Ready(ctx context.Context) error
}

// Noop is a Classifier that finds nothing. It stands in when no
// classification service is configured.
type Noop struct {
	logger *zap.Logger
}

// NewNoop returns a Noop classifier that logs each skipped analysis.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Classify logs the skipped analysis and returns no candidates.
func (n *Noop) Classify(_ context.Context, activity string) ([]Candidate, error) {
	n.logger.Debug("classification skipped: no service configured",
		zap.Int("activity_bytes", len(activity)))
	return nil, nil
}

// Ready always succeeds.
func (n *Noop) Ready(_ context.Context) error { return nil }
