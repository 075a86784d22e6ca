// Package verify confirms neutralization by re-scanning for previously
// flagged threats and requiring a configured number of consecutive
// clean passes.
package verify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Rescanner re-runs detection restricted to a set of threat IDs. The
// detect aggregator satisfies this.
type Rescanner interface {
	ScanScoped(ctx context.Context, ids ...string) *threat.Report
}

// Record is the verification verdict for one threat.
type Record struct {
	ThreatID    string    `json:"threat_id"`
	Neutralized bool      `json:"neutralized"`
	CleanScans  int       `json:"clean_scans"`
	VerifiedAt  time.Time `json:"timestamp"`
}

// Verifier checks whether flagged threats have actually gone quiet.
type Verifier struct {
	scanner    Rescanner
	cleanScans int
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCleanScans sets how many consecutive clean re-scans a threat
// needs before it counts as neutralized. Values below 1 are raised
// to 1.
func WithCleanScans(n int) Option {
	return func(v *Verifier) {
		if n < 1 {
			n = 1
		}
		v.cleanScans = n
	}
}

// NewVerifier builds a verifier over the given rescanner. The default
// is a single clean scan.
func NewVerifier(scanner Rescanner, logger *zap.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		scanner:    scanner,
		cleanScans: 1,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify re-scans for the given threat and reports whether it stayed
// absent across the required number of consecutive passes. A single
// reappearance fails the verdict immediately.
func (v *Verifier) Verify(ctx context.Context, threatID string) Record {
	rec := Record{ThreatID: threatID, VerifiedAt: v.now()}

	for i := 0; i < v.cleanScans; i++ {
		report := v.scanner.ScanScoped(ctx, threatID)
		if _, found := report.Find(threatID); found {
			v.logger.Warn("threat still active",
				zap.String("threat_id", threatID),
				zap.Int("clean_scans", rec.CleanScans),
			)
			return rec
		}
		rec.CleanScans++
	}

	rec.Neutralized = true
	v.logger.Info("threat verified neutralized",
		zap.String("threat_id", threatID),
		zap.Int("clean_scans", rec.CleanScans),
	)
	return rec
}

// VerifyAll runs Verify for each threat ID and preserves input order.
func (v *Verifier) VerifyAll(ctx context.Context, threatIDs []string) []Record {
	out := make([]Record, 0, len(threatIDs))
	for _, id := range threatIDs {
		out = append(out, v.Verify(ctx, id))
	}
	return out
}
