package detect

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// DefaultScanTimeout bounds each scanner when no timeout is
// configured.
const DefaultScanTimeout = 30 * time.Second

// Aggregator fans the scanners out concurrently and merges their
// findings into one report. A scanner failure or timeout yields an
// empty result for that vector; the siblings and the merge always
// complete.
type Aggregator struct {
	scanners []Scanner
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewAggregator builds an aggregator over the given scanners. Merge
// order follows the scanner slice, so pass scanners in a fixed order
// for reproducible reports.
func NewAggregator(scanners []Scanner, timeout time.Duration, logger *zap.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		scanners: scanners,
		timeout:  timeout,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan runs every scanner in its own goroutine with a per-scanner
// timeout, waits for all of them, and merges the results in scanner
// order. Given identical scanner outputs the merge is pure: same
// record order, same deduplication, same level.
func (a *Aggregator) Scan(ctx context.Context) *threat.Report {
	results := make([][]threat.Record, len(a.scanners))

	var wg sync.WaitGroup
	for i, s := range a.scanners {
		wg.Add(1)
		go func(i int, s Scanner) {
			defer wg.Done()

			sctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			start := time.Now()
			records, err := s.Scan(sctx)
			if err != nil {
				a.logger.Warn("scanner failed, treating vector as empty",
					zap.String("scanner", s.Name()),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err),
				)
				return
			}
			a.logger.Debug("scanner finished",
				zap.String("scanner", s.Name()),
				zap.Int("detections", len(records)),
				zap.Duration("elapsed", time.Since(start)),
			)
			results[i] = records
		}(i, s)
	}
	wg.Wait()

	var merged []threat.Record
	for _, records := range results {
		merged = append(merged, records...)
	}
	return threat.NewReport(a.now(), merged)
}

// ScanScoped re-scans and restricts the report to the given detection
// IDs. The Verifier uses this to check whether flagged threats are
// still present.
func (a *Aggregator) ScanScoped(ctx context.Context, ids ...string) *threat.Report {
	return Filter(a.Scan(ctx), ids...)
}
