package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/sysinfo"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Resource thresholds for process threat scoring.
const (
	rssThresholdBytes = int64(1) << 30 // 1 GiB
	cpuThresholdPct   = 50.0

	commandLineLimit = 200
)

// ProcessScanner flags running processes whose command lines match AI
// tooling patterns, scored by their resource footprint.
type ProcessScanner struct {
	inspector sysinfo.Inspector
	sigs      *Signatures
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessScanner builds a scanner over the given inspector. A nil
// signature set uses the built-in patterns.
func NewProcessScanner(inspector sysinfo.Inspector, sigs *Signatures, logger *zap.Logger) *ProcessScanner {
	if sigs == nil {
		sigs = DefaultSignatures()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessScanner{
		inspector: inspector,
		sigs:      sigs,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Scanner.
func (s *ProcessScanner) Name() string { return "process" }

// Vector implements Scanner.
func (s *ProcessScanner) Vector() threat.Vector { return threat.VectorProcess }

// Scan matches every process against the AI tooling patterns and
// reports those with a non-zero threat score.
func (s *ProcessScanner) Scan(ctx context.Context) ([]threat.Record, error) {
	procs, err := s.inspector.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	conns, err := s.inspector.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	established := make(map[int]int)
	for _, c := range conns {
		if c.Established() {
			established[c.PID]++
		}
	}

	now := s.now()
	var records []threat.Record
	for _, p := range procs {
		pattern := s.sigs.MatchCommandLine(p.CommandLine)
		if pattern == nil {
			continue
		}
		score := s.scoreProcess(p, established[p.PID])
		if score == 0 {
			continue
		}

		cmdline := p.CommandLine
		if len(cmdline) > commandLineLimit {
			cmdline = cmdline[:commandLineLimit]
		}
		records = append(records, threat.Record{
			ID:          threat.RecordID(strconv.Itoa(p.PID), p.Name),
			Vector:      threat.VectorProcess,
			Description: fmt.Sprintf("Suspicious AI process detected: %s", p.Name),
			Severity:    score,
			Evidence: threat.Evidence{
				threat.KeyProcessName:    p.Name,
				threat.KeyProcessID:      p.PID,
				threat.KeyCommandLine:    cmdline,
				threat.KeyPatternMatched: pattern.String(),
				threat.KeyStartTime:      p.StartedAt,
			},
			DetectedAt: now,
		})
	}
	return records, nil
}

// scoreProcess rates a matched process 0–10: +2 for over 1 GiB
// resident, +1 for CPU above 50%, +3 when a model artifact is open,
// +1 per established connection.
func (s *ProcessScanner) scoreProcess(p sysinfo.Process, establishedConns int) int {
	score := 0
	if p.RSSBytes > rssThresholdBytes {
		score += 2
	}
	if p.CPUPercent > cpuThresholdPct {
		score++
	}
	for _, f := range p.OpenFiles {
		if s.sigs.MatchFile(f) {
			score += 3
			break
		}
	}
	score += establishedConns

	if score > 10 {
		score = 10
	}
	return score
}
