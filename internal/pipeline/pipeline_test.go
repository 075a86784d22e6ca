package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/artifact"
	"github.com/fermsi-paradox/openai-injex/internal/contain"
	"github.com/fermsi-paradox/openai-injex/internal/events"
	"github.com/fermsi-paradox/openai-injex/internal/journal"
	"github.com/fermsi-paradox/openai-injex/internal/neutralize"
	"github.com/fermsi-paradox/openai-injex/internal/origin"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
	"github.com/fermsi-paradox/openai-injex/internal/verify"
)

// stubDetector returns a canned report per call.
type stubDetector struct {
	reports []*threat.Report
	calls   int
}

func (d *stubDetector) Scan(_ context.Context) *threat.Report {
	d.calls++
	if d.calls <= len(d.reports) {
		return d.reports[d.calls-1]
	}
	return threat.NewReport(time.Now(), nil)
}

func (d *stubDetector) ScanScoped(ctx context.Context, _ ...string) *threat.Report {
	// Post-neutralization scans come back clean in these tests.
	d.calls++
	return threat.NewReport(time.Now(), nil)
}

func twoThreatReport() *threat.Report {
	now := time.Now().UTC()
	return threat.NewReport(now, []threat.Record{
		{
			ID:          "aaaa0001",
			Vector:      threat.VectorNetwork,
			Description: "Connection to known AI service: openai",
			Severity:    7,
			Evidence: threat.Evidence{
				threat.KeyRemoteIP:   "104.18.7.192",
				threat.KeyRemotePort: 443,
				threat.KeyService:    "openai",
			},
			DetectedAt: now,
		},
		{
			ID:          "bbbb0002",
			Vector:      threat.VectorProcess,
			Description: "Suspicious AI process: ollama",
			Severity:    8,
			Evidence: threat.Evidence{
				threat.KeyProcessName: "ollama",
				threat.KeyProcessID:   4242,
			},
			DetectedAt: now,
		},
	})
}

func newTestPipeline(t *testing.T, detector *stubDetector) (*Pipeline, *artifact.Store, *contain.Manager, *journal.MemoryJournal) {
	t.Helper()

	store, err := artifact.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	applier := contain.NewStateApplier(filepath.Join(t.TempDir(), "rules.json"), zap.NewNop())
	manager := contain.NewManager(applier, nil, zap.NewNop())

	lib := neutralize.DefaultLibrary()
	// Every delivery lands; the outcome source is what we script in
	// dedicated engine tests.
	source := neutralize.NewScriptedSource(true, true, true, true, true, true, true, true)
	engine := neutralize.NewEngine(lib, neutralize.DefaultChannels(source, zap.NewNop()), zap.NewNop())

	verifier := verify.NewVerifier(detector, zap.NewNop())
	jrnl := journal.NewMemory()

	p := New(Components{
		Store:       store,
		Detector:    detector,
		Analyzer:    origin.NewAnalyzer(zap.NewNop()),
		Containment: manager,
		Neutralizer: engine,
		Confirmer:   verifier,
		Journal:     jrnl,
		Logger:      zap.NewNop(),
	})
	return p, store, manager, jrnl
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{reports: []*threat.Report{twoThreatReport()}}
	p, store, manager, jrnl := newTestPipeline(t, detector)

	err := p.Run(ctx)
	require.ErrorIs(t, err, ErrThreatsDetected)

	// Detection artifact.
	rep, err := store.LoadDetection()
	require.NoError(t, err)
	assert.Equal(t, 2, rep.AgentCount)
	assert.Equal(t, threat.LevelCritical, rep.Level)

	// Analysis covers both threats in report order.
	analysis, err := store.LoadAnalysis()
	require.NoError(t, err)
	require.Len(t, analysis, 2)
	assert.Equal(t, "aaaa0001", analysis[0].ThreatID)
	assert.Equal(t, "remote_server", analysis[0].Origin["type"])
	assert.Equal(t, "local_service", analysis[1].Origin["type"])

	// Defense covers both threats; the scripted source lands every
	// delivery, so the first strategy wins each time.
	defense, err := store.LoadDefense()
	require.NoError(t, err)
	require.Len(t, defense, 2)
	for _, d := range defense {
		assert.True(t, d.Success)
		assert.Equal(t, "confusion", d.Method)
		require.Len(t, d.Attempts, 1)
	}

	// Verification: scoped re-scans come back clean.
	verification, err := store.LoadVerification()
	require.NoError(t, err)
	require.Len(t, verification, 2)
	for _, v := range verification {
		assert.True(t, v.Neutralized)
	}

	// Teardown removed everything the deploy stage applied.
	assert.Empty(t, manager.Rules())

	// The journal chain stayed intact across all stages.
	require.NoError(t, jrnl.Verify(ctx))
	n, err := jrnl.Len(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, 10)
}

func TestRunCleanSweepStopsAfterDetect(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{}
	p, store, _, _ := newTestPipeline(t, detector)

	require.NoError(t, p.Run(ctx))

	rep, err := store.LoadDetection()
	require.NoError(t, err)
	assert.False(t, rep.ThreatsDetected)

	// No response artifacts were written.
	_, err = store.LoadAnalysis()
	require.ErrorIs(t, err, artifact.ErrMissing)
	_, err = store.LoadDefense()
	require.ErrorIs(t, err, artifact.ErrMissing)
}

func TestAnalyzeFailsFastWithoutDetection(t *testing.T) {
	detector := &stubDetector{}
	p, store, _, _ := newTestPipeline(t, detector)

	err := p.Analyze(context.Background(), "")
	require.ErrorIs(t, err, artifact.ErrMissing)

	// The failed stage wrote nothing.
	_, err = store.LoadAnalysis()
	require.ErrorIs(t, err, artifact.ErrMissing)
}

func TestDefendFailsFastWithoutAnalysis(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{reports: []*threat.Report{twoThreatReport()}}
	p, store, _, _ := newTestPipeline(t, detector)

	_, err := p.Detect(ctx)
	require.NoError(t, err)

	err = p.Defend(ctx)
	require.ErrorIs(t, err, artifact.ErrMissing)

	_, err = store.LoadDefense()
	require.ErrorIs(t, err, artifact.ErrMissing)
}

func TestVerifyFailsFastWithoutDefense(t *testing.T) {
	detector := &stubDetector{}
	p, _, _, _ := newTestPipeline(t, detector)

	err := p.Verify(context.Background())
	require.ErrorIs(t, err, artifact.ErrMissing)
}

func TestContainDeployCountsAppliedRules(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{reports: []*threat.Report{twoThreatReport()}}
	p, _, manager, _ := newTestPipeline(t, detector)

	_, err := p.Detect(ctx)
	require.NoError(t, err)

	deployed, err := p.ContainDeploy(ctx)
	require.NoError(t, err)
	// Network threat: block_ip (port 443 is not watchlisted).
	// Process threat: block_process.
	assert.Equal(t, 2, deployed)
	assert.Len(t, manager.Rules(), 2)

	removed, err := p.ContainRemove(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, manager.Rules())
}

func TestInitRunsChecks(t *testing.T) {
	detector := &stubDetector{}
	p, _, _, _ := newTestPipeline(t, detector)

	probed := 0
	p.c.Checks = []Check{
		{Name: "inspector", Probe: func(context.Context) error { probed++; return nil }},
		{Name: "payloads", Probe: func(context.Context) error { probed++; return nil }},
	}
	require.NoError(t, p.Init(context.Background()))
	assert.Equal(t, 2, probed)

	p.c.Checks = append(p.c.Checks, Check{
		Name:  "broken",
		Probe: func(context.Context) error { return errors.New("unreachable") },
	})
	err := p.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

// recordingPublisher captures every published event.
type recordingPublisher struct {
	published []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.published = append(p.published, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRunPublishesEventsPerStage(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{reports: []*threat.Report{twoThreatReport()}}
	p, _, _, _ := newTestPipeline(t, detector)

	publisher := &recordingPublisher{}
	p.c.Events = publisher

	err := p.Run(ctx)
	require.ErrorIs(t, err, ErrThreatsDetected)

	byType := map[string]int{}
	for _, ev := range publisher.published {
		byType[ev.Type]++
	}
	// Seven stages, started and completed each, plus the detect-stage
	// threat announcement.
	assert.Equal(t, 7, byType[events.TypeStageStarted])
	assert.Equal(t, 7, byType[events.TypeStageCompleted])
	assert.Equal(t, 1, byType[events.TypeThreatsFound])
	assert.Zero(t, byType[events.TypeStageFailed])
}

func TestStageObserverSeesEveryStage(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{reports: []*threat.Report{twoThreatReport()}}
	p, _, _, _ := newTestPipeline(t, detector)

	var observed []string
	p.c.StageObserver = func(stage Stage, elapsed time.Duration) {
		require.GreaterOrEqual(t, elapsed, time.Duration(0))
		observed = append(observed, stage.String())
	}

	err := p.Run(ctx)
	require.ErrorIs(t, err, ErrThreatsDetected)

	assert.Equal(t, []string{
		"init", "detect", "analyze", "contain_deploy",
		"defend", "verify", "contain_remove",
	}, observed)
}

func TestStageObserverSeesFailedStage(t *testing.T) {
	detector := &stubDetector{}
	p, _, _, _ := newTestPipeline(t, detector)

	var observed []string
	p.c.StageObserver = func(stage Stage, _ time.Duration) {
		observed = append(observed, stage.String())
	}

	err := p.Analyze(context.Background(), "")
	require.ErrorIs(t, err, artifact.ErrMissing)
	assert.Equal(t, []string{"analyze"}, observed)
}

func TestStageFailureIsJournaled(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{}
	p, _, _, jrnl := newTestPipeline(t, detector)

	err := p.Analyze(ctx, "")
	require.Error(t, err)

	n, err := jrnl.Len(ctx)
	require.NoError(t, err)
	// genesis + stage_started + stage_failed
	require.Equal(t, 3, n)
	last, err := jrnl.Get(ctx, n-1)
	require.NoError(t, err)
	assert.Equal(t, journal.ActionStageFailed, last.Action)
	assert.Equal(t, "analyze", last.Subject)
}
