package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// stubScanner returns canned records or an error; it can also block
// until its context expires to exercise the per-scanner timeout.
type stubScanner struct {
	name    string
	vector  threat.Vector
	records []threat.Record
	err     error
	block   bool
}

func (s *stubScanner) Name() string          { return s.name }
func (s *stubScanner) Vector() threat.Vector { return s.vector }

func (s *stubScanner) Scan(ctx context.Context) ([]threat.Record, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.records, s.err
}

func rec(id string, v threat.Vector, severity int) threat.Record {
	return threat.Record{ID: id, Vector: v, Severity: severity}
}

func TestAggregatorMergesInScannerOrder(t *testing.T) {
	agg := NewAggregator([]Scanner{
		&stubScanner{name: "behavioral", vector: threat.VectorBehavioral,
			records: []threat.Record{rec("bb000001", threat.VectorBehavioral, 3)}},
		&stubScanner{name: "network", vector: threat.VectorNetwork,
			records: []threat.Record{rec("nn000001", threat.VectorNetwork, 5)}},
		&stubScanner{name: "process", vector: threat.VectorProcess,
			records: []threat.Record{rec("pp000001", threat.VectorProcess, 7)}},
	}, time.Second, zap.NewNop())

	rep := agg.Scan(context.Background())

	if len(rep.Detections) != 3 {
		t.Fatalf("detections = %d, want 3", len(rep.Detections))
	}
	wantOrder := []string{"bb000001", "nn000001", "pp000001"}
	for i, id := range wantOrder {
		if rep.Detections[i].ID != id {
			t.Errorf("detection[%d] = %s, want %s", i, rep.Detections[i].ID, id)
		}
	}
	if rep.Level != threat.LevelHigh {
		t.Errorf("level = %s, want high", rep.Level)
	}
}

func TestAggregatorLevelBuckets(t *testing.T) {
	tests := []struct {
		name       string
		severities []int
		want       threat.Level
	}{
		{"medium from 3 and 5", []int{3, 5}, threat.LevelMedium},
		{"critical from 8", []int{8}, threat.LevelCritical},
		{"none from empty", nil, threat.LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var scanners []Scanner
			for i, sev := range tt.severities {
				scanners = append(scanners, &stubScanner{
					name:    "s",
					vector:  threat.VectorNetwork,
					records: []threat.Record{rec(threat.RecordID("t", string(rune('a'+i))), threat.VectorNetwork, sev)},
				})
			}
			if scanners == nil {
				scanners = []Scanner{&stubScanner{name: "empty", vector: threat.VectorNetwork}}
			}
			rep := NewAggregator(scanners, time.Second, zap.NewNop()).Scan(context.Background())
			if rep.Level != tt.want {
				t.Errorf("level = %s, want %s", rep.Level, tt.want)
			}
		})
	}
}

func TestAggregatorIsolatesScannerFailure(t *testing.T) {
	agg := NewAggregator([]Scanner{
		&stubScanner{name: "broken", vector: threat.VectorBehavioral, err: errors.New("collaborator down")},
		&stubScanner{name: "network", vector: threat.VectorNetwork,
			records: []threat.Record{rec("nn000001", threat.VectorNetwork, 6)}},
	}, time.Second, zap.NewNop())

	rep := agg.Scan(context.Background())

	if len(rep.Detections) != 1 {
		t.Fatalf("detections = %d, want 1 (failure must not abort siblings)", len(rep.Detections))
	}
	if rep.Level != threat.LevelHigh {
		t.Errorf("level = %s, want high", rep.Level)
	}
}

func TestAggregatorTimeoutTreatedAsEmpty(t *testing.T) {
	agg := NewAggregator([]Scanner{
		&stubScanner{name: "slow", vector: threat.VectorLog, block: true},
		&stubScanner{name: "process", vector: threat.VectorProcess,
			records: []threat.Record{rec("pp000001", threat.VectorProcess, 4)}},
	}, 50*time.Millisecond, zap.NewNop())

	done := make(chan *threat.Report, 1)
	go func() { done <- agg.Scan(context.Background()) }()

	select {
	case rep := <-done:
		if len(rep.Detections) != 1 {
			t.Fatalf("detections = %d, want 1", len(rep.Detections))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aggregation did not complete after scanner timeout")
	}
}

func TestAggregatorDeterministicForFixedOutputs(t *testing.T) {
	scanners := []Scanner{
		&stubScanner{name: "network", vector: threat.VectorNetwork,
			records: []threat.Record{rec("nn000001", threat.VectorNetwork, 5), rec("nn000002", threat.VectorNetwork, 2)}},
		&stubScanner{name: "log", vector: threat.VectorLog,
			records: []threat.Record{rec("ll000001", threat.VectorLog, 3)}},
	}
	agg := NewAggregator(scanners, time.Second, zap.NewNop())

	first := agg.Scan(context.Background())
	for i := 0; i < 10; i++ {
		next := agg.Scan(context.Background())
		if len(next.Detections) != len(first.Detections) {
			t.Fatalf("run %d: detections = %d, want %d", i, len(next.Detections), len(first.Detections))
		}
		for j := range next.Detections {
			if next.Detections[j].ID != first.Detections[j].ID {
				t.Fatalf("run %d: detection[%d] = %s, want %s",
					i, j, next.Detections[j].ID, first.Detections[j].ID)
			}
		}
		if next.Level != first.Level {
			t.Fatalf("run %d: level = %s, want %s", i, next.Level, first.Level)
		}
	}
}

func TestScanScoped(t *testing.T) {
	agg := NewAggregator([]Scanner{
		&stubScanner{name: "network", vector: threat.VectorNetwork,
			records: []threat.Record{rec("nn000001", threat.VectorNetwork, 5), rec("nn000002", threat.VectorNetwork, 8)}},
	}, time.Second, zap.NewNop())

	rep := agg.ScanScoped(context.Background(), "nn000002")

	if len(rep.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(rep.Detections))
	}
	if rep.Detections[0].ID != "nn000002" {
		t.Errorf("detection = %s, want nn000002", rep.Detections[0].ID)
	}
	if rep.Level != threat.LevelCritical {
		t.Errorf("scoped level = %s, want critical (re-derived)", rep.Level)
	}

	empty := agg.ScanScoped(context.Background(), "absent00")
	if empty.ThreatsDetected {
		t.Error("scoping to an absent id still flagged threats")
	}
}
