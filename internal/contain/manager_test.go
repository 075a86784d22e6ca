package contain

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// hookApplier counts hook calls and can fail selected identities.
type hookApplier struct {
	applies   int
	removes   int
	failApply map[string]bool
}

func (a *hookApplier) Apply(_ context.Context, rule Rule) error {
	a.applies++
	if a.failApply[rule.Identity()] {
		return errors.New("surface rejected rule")
	}
	return nil
}

func (a *hookApplier) Remove(_ context.Context, _ Rule) error {
	a.removes++
	return nil
}

func report(records ...threat.Record) *threat.Report {
	return threat.NewReport(time.Now(), records)
}

func TestDeployDerivesRulesInEvidenceOrder(t *testing.T) {
	applier := &hookApplier{}
	m := NewManager(applier, nil, zap.NewNop())

	rep := report(threat.Record{
		ID:          "aaaa0001",
		Vector:      threat.VectorNetwork,
		Description: "Connection to openai detected",
		Severity:    5,
		Evidence: threat.Evidence{
			threat.KeyRemoteIP:    "104.18.7.192",
			threat.KeyRemotePort:  11434,
			threat.KeyProcessName: "ollama",
		},
	})

	n, err := m.Deploy(context.Background(), rep)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("deployed = %d, want 3", n)
	}

	rules := m.Rules()
	if len(rules) != 3 {
		t.Fatalf("live rules = %d, want 3", len(rules))
	}
	// Snapshot is identity-sorted: block_ip, block_port, block_process.
	if rules[0].Kind != KindBlockIP || rules[0].Target != "104.18.7.192" {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Kind != KindBlockPort || rules[1].Target != "11434" {
		t.Errorf("rules[1] = %+v", rules[1])
	}
	if rules[2].Kind != KindBlockProcess || rules[2].Target != "ollama" {
		t.Errorf("rules[2] = %+v", rules[2])
	}
}

func TestDeployNoEvidenceNoRules(t *testing.T) {
	applier := &hookApplier{}
	m := NewManager(applier, nil, zap.NewNop())

	rep := report(threat.Record{
		ID:       "aaaa0002",
		Vector:   threat.VectorBehavioral,
		Severity: 6,
		Evidence: threat.Evidence{"pattern": "rapid_api_calls"},
	})

	n, err := m.Deploy(context.Background(), rep)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("deployed = %d, want 0", n)
	}
	if applier.applies != 0 {
		t.Errorf("apply hook called %d times for evidence-free report", applier.applies)
	}
}

func TestDeployUnwatchedPortSkipped(t *testing.T) {
	m := NewManager(&hookApplier{}, nil, zap.NewNop())

	rep := report(threat.Record{
		ID:       "aaaa0003",
		Severity: 5,
		Evidence: threat.Evidence{threat.KeyRemotePort: 443},
	})

	n, _ := m.Deploy(context.Background(), rep)
	if n != 0 {
		t.Errorf("deployed = %d, want 0 (443 is not on the watchlist)", n)
	}
}

func TestDeployDeduplicatesByIdentity(t *testing.T) {
	applier := &hookApplier{}
	m := NewManager(applier, nil, zap.NewNop())

	rep := report(
		threat.Record{ID: "aaaa0004", Severity: 5,
			Evidence: threat.Evidence{threat.KeyRemoteIP: "104.18.7.192"}},
		threat.Record{ID: "aaaa0005", Severity: 7,
			Evidence: threat.Evidence{threat.KeyRemoteIP: "104.18.7.192"}},
	)

	n, _ := m.Deploy(context.Background(), rep)
	if n != 1 {
		t.Fatalf("deployed = %d, want 1", n)
	}
	if applier.applies != 1 {
		t.Errorf("apply hook called %d times, want 1 (duplicate skipped before the hook)", applier.applies)
	}

	// Second deploy of the same report is a full no-op.
	n, _ = m.Deploy(context.Background(), rep)
	if n != 0 {
		t.Errorf("re-deploy = %d, want 0", n)
	}
	if len(m.Rules()) != 1 {
		t.Errorf("live rules = %d, want 1", len(m.Rules()))
	}
}

func TestDeployHookFailureNotCounted(t *testing.T) {
	applier := &hookApplier{failApply: map[string]bool{"block_ip:10.0.0.9": true}}
	m := NewManager(applier, nil, zap.NewNop())

	rep := report(
		threat.Record{ID: "aaaa0006", Severity: 5,
			Evidence: threat.Evidence{threat.KeyRemoteIP: "10.0.0.9"}},
		threat.Record{ID: "aaaa0007", Severity: 5,
			Evidence: threat.Evidence{threat.KeyRemoteIP: "10.0.0.10"}},
	)

	n, err := m.Deploy(context.Background(), rep)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deployed = %d, want 1 (failed apply must not count)", n)
	}
	rules := m.Rules()
	if len(rules) != 1 || rules[0].Target != "10.0.0.10" {
		t.Errorf("live rules = %+v, rejected rule must not be tracked", rules)
	}
}

func TestRemoveAllIdempotent(t *testing.T) {
	applier := &hookApplier{}
	m := NewManager(applier, nil, zap.NewNop())

	rep := report(threat.Record{ID: "aaaa0008", Severity: 5, Evidence: threat.Evidence{
		threat.KeyRemoteIP:    "104.18.7.192",
		threat.KeyProcessName: "ollama",
	}})
	if _, err := m.Deploy(context.Background(), rep); err != nil {
		t.Fatal(err)
	}

	n, err := m.RemoveAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if len(m.Rules()) != 0 {
		t.Errorf("live rules = %d, want 0", len(m.Rules()))
	}

	// Second teardown: 0 removed, no error, no hook calls.
	before := applier.removes
	n, err = m.RemoveAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second removal = %d, want 0", n)
	}
	if applier.removes != before {
		t.Error("remove hook called during empty teardown")
	}
}

func TestActionRecordCallback(t *testing.T) {
	m := NewManager(&hookApplier{}, nil, zap.NewNop())
	var actions []string
	m.SetActionRecord(func(action string, rule Rule) {
		actions = append(actions, action+" "+rule.Identity())
	})

	rep := report(threat.Record{ID: "aaaa0009", Severity: 5,
		Evidence: threat.Evidence{threat.KeyRemoteIP: "10.1.1.1"}})
	if _, err := m.Deploy(context.Background(), rep); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RemoveAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"rule_applied block_ip:10.1.1.1", "rule_removed block_ip:10.1.1.1"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestStateApplierRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "firewall_rules.json")
	a := NewStateApplier(path, zap.NewNop())
	ctx := context.Background()

	rule := Rule{Kind: KindBlockIP, Target: "10.2.2.2", Direction: DirectionOutbound}
	if err := a.Apply(ctx, rule); err != nil {
		t.Fatal(err)
	}
	// Idempotent re-apply.
	if err := a.Apply(ctx, rule); err != nil {
		t.Fatal(err)
	}

	applied, err := a.Applied(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || applied[0].Target != "10.2.2.2" {
		t.Fatalf("applied = %+v, want single rule", applied)
	}

	if err := a.Remove(ctx, rule); err != nil {
		t.Fatal(err)
	}
	// Idempotent re-remove.
	if err := a.Remove(ctx, rule); err != nil {
		t.Fatal(err)
	}
	applied, err = a.Applied(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %+v, want empty", applied)
	}
}

func TestReconcileAdoptsPersistedRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewall_rules.json")
	ctx := context.Background()

	// First run deploys and exits without teardown.
	first := NewManager(NewStateApplier(path, zap.NewNop()), nil, zap.NewNop())
	rep := report(threat.Record{ID: "aaaa000a", Severity: 5, Evidence: threat.Evidence{
		threat.KeyRemoteIP:    "10.3.3.3",
		threat.KeyProcessName: "vllm",
	}})
	if _, err := first.Deploy(ctx, rep); err != nil {
		t.Fatal(err)
	}

	// Second run starts empty, reconciles, and can tear down.
	second := NewManager(NewStateApplier(path, zap.NewNop()), nil, zap.NewNop())
	if len(second.Rules()) != 0 {
		t.Fatal("fresh manager should start with no tracked rules")
	}
	if err := second.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if len(second.Rules()) != 2 {
		t.Fatalf("reconciled rules = %d, want 2", len(second.Rules()))
	}

	n, err := second.RemoveAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
}
