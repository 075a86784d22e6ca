package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/classify"
	"github.com/fermsi-paradox/openai-injex/internal/sysinfo"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// recentProcessWindow bounds which process starts count as recent
// activity in the behavioral summary.
const recentProcessWindow = 30 * time.Minute

// BehavioralScanner submits a summary of recent host activity to the
// threat classification service and normalizes the candidates it
// returns into detection records.
type BehavioralScanner struct {
	classifier classify.Classifier
	buffer     *ActivityBuffer
	inspector  sysinfo.Inspector
	logger     *zap.Logger
	now        func() time.Time
}

// NewBehavioralScanner wires the scanner to its classifier, the
// activity buffer it snapshots, and the inspector used to list recent
// process starts.
func NewBehavioralScanner(classifier classify.Classifier, buffer *ActivityBuffer, inspector sysinfo.Inspector, logger *zap.Logger) *BehavioralScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BehavioralScanner{
		classifier: classifier,
		buffer:     buffer,
		inspector:  inspector,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Scanner.
func (s *BehavioralScanner) Name() string { return "behavioral" }

// Vector implements Scanner.
func (s *BehavioralScanner) Vector() threat.Vector { return threat.VectorBehavioral }

// activitySummary is the JSON document submitted for classification.
type activitySummary struct {
	RecentEvents     []ActivityEvent `json:"recent_events"`
	ProcessesStarted []processStart  `json:"processes_started"`
}

type processStart struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	Time string `json:"time"`
}

// Scan composes the activity summary and asks the classifier for
// threat candidates.
func (s *BehavioralScanner) Scan(ctx context.Context) ([]threat.Record, error) {
	summary := activitySummary{RecentEvents: s.buffer.Recent()}

	procs, err := s.inspector.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	cutoff := s.now().Add(-recentProcessWindow)
	for _, p := range procs {
		started, parseErr := time.Parse(time.RFC3339, p.StartedAt)
		if parseErr != nil || started.Before(cutoff) {
			continue
		}
		summary.ProcessesStarted = append(summary.ProcessesStarted, processStart{
			Name: p.Name,
			PID:  p.PID,
			Time: p.StartedAt,
		})
	}

	doc, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal activity summary: %w", err)
	}

	candidates, err := s.classifier.Classify(ctx, string(doc))
	if err != nil {
		return nil, fmt.Errorf("classify activity: %w", err)
	}

	now := s.now()
	records := make([]threat.Record, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, s.normalize(c, now))
	}
	return records, nil
}

// normalize converts a loosely-typed service candidate into a record.
// Candidates without an id get a stable one derived from the
// description.
func (s *BehavioralScanner) normalize(c classify.Candidate, now time.Time) threat.Record {
	id := c.ID
	if id == "" {
		id = threat.RecordID("behavioral", c.Description)
	}
	return threat.Record{
		ID:          id,
		Vector:      threat.VectorBehavioral,
		Description: c.Description,
		Severity:    threat.ClampSeverity(int(c.Severity)),
		Evidence:    c.Evidence,
		DetectedAt:  now,
	}
}
