// Package pipeline sequences the response stages over the persisted
// artifact contract: each stage loads its prerequisites through the
// store, does its work, and writes its own artifact before the next
// stage runs. Stages never fabricate missing input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// ErrThreatsDetected signals that a sweep found hostile agents. The
// CLI maps it to its own exit code so scripts can branch on it.
var ErrThreatsDetected = errors.New("threats detected")

// Detector runs a full detection sweep.
type Detector interface {
	Scan(ctx context.Context) *threat.Report
}

// Analyzer traces every detection in a report to its origin.
type Analyzer interface {
	AnalyzeReport(rep *threat.Report) []origin.Record
}

// Container manages the containment rule set.
type Container interface {
	Reconcile(ctx context.Context) error
	Deploy(ctx context.Context, rep *threat.Report) (int, error)
	RemoveAll(ctx context.Context) (int, error)
	Rules() []contain.Rule
}

// Neutralizer attempts active neutralization of one threat.
type Neutralizer interface {
	Neutralize(ctx context.Context, rec threat.Record) neutralize.Result
}

// Confirmer checks whether a flagged threat has gone quiet.
type Confirmer interface {
	Verify(ctx context.Context, threatID string) verify.Record
}

// Check is one Init self-test. Probe returns an error when the
// component is not usable.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Components wires the pipeline's collaborators. Store, Journal, and
// Events are required; stage collaborators may be nil only if the
// corresponding stage is never invoked.
type Components struct {
	Store       *artifact.Store
	Detector    Detector
	Analyzer    Analyzer
	Containment Container
	Neutralizer Neutralizer
	Confirmer   Confirmer
	Journal     journal.Journal
	Events      events.Publisher
	Checks      []Check
	Logger      *zap.Logger

	// StageObserver, when set, receives every stage's wall-clock
	// duration, successful or not. The monitor feeds it into metrics.
	StageObserver func(stage Stage, elapsed time.Duration)
}

// Pipeline drives the stages. It is single-threaded across stages;
// concurrency lives inside the detector.
type Pipeline struct {
	c   Components
	now func() time.Time
}

// New builds a pipeline over the given components.
func New(c Components) *Pipeline {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Journal == nil {
		c.Journal = journal.NewMemory()
	}
	if c.Events == nil {
		c.Events = events.NewNoop(c.Logger)
	}
	return &Pipeline{c: c, now: func() time.Time { return time.Now().UTC() }}
}

// record journals a stage transition and publishes the matching event.
// Neither sink failing aborts the stage; the pipeline's work already
// happened or is about to.
func (p *Pipeline) record(ctx context.Context, stage Stage, action string, detail map[string]any) {
	if _, err := p.c.Journal.Append(ctx, stage.String(), action, journal.SystemActor, detail); err != nil {
		p.c.Logger.Warn("journal append failed",
			zap.String("stage", stage.String()),
			zap.Error(err),
		)
	}

	var evType string
	switch action {
	case journal.ActionStageStarted:
		evType = events.TypeStageStarted
	case journal.ActionStageFailed:
		evType = events.TypeStageFailed
	default:
		evType = events.TypeStageCompleted
	}
	ev := events.New(evType, stage.String())
	ev.Detail = detail
	if err := p.c.Events.Publish(ctx, ev); err != nil {
		p.c.Logger.Warn("event publish failed",
			zap.String("stage", stage.String()),
			zap.Error(err),
		)
	}
}

// runStage wraps a stage body with journal and event bookkeeping.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, body func(ctx context.Context) (map[string]any, error)) error {
	p.record(ctx, stage, journal.ActionStageStarted, nil)
	start := time.Now()

	detail, err := body(ctx)
	elapsed := time.Since(start)
	if p.c.StageObserver != nil {
		p.c.StageObserver(stage, elapsed)
	}
	if err != nil {
		p.record(ctx, stage, journal.ActionStageFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	if detail == nil {
		detail = map[string]any{}
	}
	detail["elapsed_ms"] = elapsed.Milliseconds()
	p.record(ctx, stage, journal.ActionStageCompleted, detail)
	return nil
}

// Init runs every component self-test and fails on the first broken
// one. A pipeline that does not pass Init should not run.
func (p *Pipeline) Init(ctx context.Context) error {
	return p.runStage(ctx, StageInit, func(ctx context.Context) (map[string]any, error) {
		for _, check := range p.c.Checks {
			if err := check.Probe(ctx); err != nil {
				return nil, fmt.Errorf("self-test %s: %w", check.Name, err)
			}
			p.c.Logger.Debug("self-test passed", zap.String("check", check.Name))
		}
		return map[string]any{"checks": len(p.c.Checks)}, nil
	})
}

// Detect runs the full sweep and persists the detection report. The
// report is returned so callers can branch on ThreatsDetected.
func (p *Pipeline) Detect(ctx context.Context) (*threat.Report, error) {
	var rep *threat.Report
	err := p.runStage(ctx, StageDetect, func(ctx context.Context) (map[string]any, error) {
		rep = p.c.Detector.Scan(ctx)
		if err := p.c.Store.SaveDetection(rep); err != nil {
			return nil, err
		}
		if rep.ThreatsDetected {
			ev := events.New(events.TypeThreatsFound, StageDetect.String())
			ev.Level = rep.Level.String()
			ev.Detail = map[string]any{"agent_count": rep.AgentCount}
			if err := p.c.Events.Publish(ctx, ev); err != nil {
				p.c.Logger.Warn("event publish failed", zap.Error(err))
			}
		}
		return map[string]any{
			"threats_detected": rep.ThreatsDetected,
			"agent_count":      rep.AgentCount,
			"threat_level":     rep.Level.String(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Analyze traces every detection in the persisted report and writes
// the analysis artifact. inputPath overrides the report location when
// non-empty; a missing or malformed report aborts before any write.
func (p *Pipeline) Analyze(ctx context.Context, inputPath string) error {
	return p.runStage(ctx, StageAnalyze, func(ctx context.Context) (map[string]any, error) {
		rep, err := p.loadDetection(inputPath)
		if err != nil {
			return nil, err
		}

		records := p.c.Analyzer.AnalyzeReport(rep)
		entries := make([]artifact.AnalysisEntry, 0, len(records))
		for _, rec := range records {
			entries = append(entries, artifact.NewAnalysisEntry(rec))
		}
		if err := p.c.Store.SaveAnalysis(entries); err != nil {
			return nil, err
		}
		return map[string]any{"analyzed": len(entries)}, nil
	})
}

// ContainDeploy reconciles the tracked rule set with the state file
// and deploys block rules for every persisted detection.
func (p *Pipeline) ContainDeploy(ctx context.Context) (int, error) {
	deployed := 0
	err := p.runStage(ctx, StageContainDeploy, func(ctx context.Context) (map[string]any, error) {
		rep, err := p.loadDetection("")
		if err != nil {
			return nil, err
		}
		if err := p.c.Containment.Reconcile(ctx); err != nil {
			return nil, err
		}
		deployed, err = p.c.Containment.Deploy(ctx, rep)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rules_deployed": deployed}, nil
	})
	return deployed, err
}

// Defend runs the neutralization engine against every persisted
// detection, in report order, and writes the defense artifact. Both
// the detection report and the analysis report are prerequisites.
func (p *Pipeline) Defend(ctx context.Context) error {
	return p.runStage(ctx, StageDefend, func(ctx context.Context) (map[string]any, error) {
		rep, err := p.loadDetection("")
		if err != nil {
			return nil, err
		}
		if _, err := p.c.Store.LoadAnalysis(); err != nil {
			return nil, err
		}

		entries := make([]artifact.DefenseEntry, 0, len(rep.Detections))
		succeeded := 0
		for _, rec := range rep.Detections {
			res := p.c.Neutralizer.Neutralize(ctx, rec)
			if res.Success {
				succeeded++
			}
			if _, err := p.c.Journal.Append(ctx, rec.ID, journal.ActionInjection, journal.SystemActor, res); err != nil {
				p.c.Logger.Warn("journal append failed", zap.Error(err))
			}
			entries = append(entries, artifact.NewDefenseEntry(res, p.now()))
		}
		if err := p.c.Store.SaveDefense(entries); err != nil {
			return nil, err
		}
		return map[string]any{"attempted": len(entries), "succeeded": succeeded}, nil
	})
}

// Verify re-checks every threat in the defense artifact and writes the
// verification report.
func (p *Pipeline) Verify(ctx context.Context) error {
	return p.runStage(ctx, StageVerify, func(ctx context.Context) (map[string]any, error) {
		defense, err := p.c.Store.LoadDefense()
		if err != nil {
			return nil, err
		}

		entries := make([]artifact.VerificationEntry, 0, len(defense))
		neutralized := 0
		for _, d := range defense {
			rec := p.c.Confirmer.Verify(ctx, d.ThreatID)
			if rec.Neutralized {
				neutralized++
			}
			if _, err := p.c.Journal.Append(ctx, d.ThreatID, journal.ActionVerification, journal.SystemActor, rec); err != nil {
				p.c.Logger.Warn("journal append failed", zap.Error(err))
			}
			entries = append(entries, artifact.NewVerificationEntry(rec))
		}
		if err := p.c.Store.SaveVerification(entries); err != nil {
			return nil, err
		}
		return map[string]any{"verified": len(entries), "neutralized": neutralized}, nil
	})
}

// ContainRemove tears down every tracked containment rule.
func (p *Pipeline) ContainRemove(ctx context.Context) (int, error) {
	removed := 0
	err := p.runStage(ctx, StageContainRemove, func(ctx context.Context) (map[string]any, error) {
		if err := p.c.Containment.Reconcile(ctx); err != nil {
			return nil, err
		}
		var err error
		removed, err = p.c.Containment.RemoveAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rules_removed": removed}, nil
	})
	return removed, err
}

// Run sequences the full pipeline: init, detect, and, when the sweep
// found anything, the response stages through teardown. A clean sweep
// returns nil; a completed response run returns ErrThreatsDetected so
// the caller can surface the condition.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Init(ctx); err != nil {
		return err
	}

	rep, err := p.Detect(ctx)
	if err != nil {
		return err
	}
	if !rep.ThreatsDetected {
		p.c.Logger.Info("sweep clean, no response needed")
		return nil
	}

	p.c.Logger.Warn("threats detected, running response",
		zap.Int("agent_count", rep.AgentCount),
		zap.String("threat_level", rep.Level.String()),
	)

	if err := p.Analyze(ctx, ""); err != nil {
		return err
	}
	if _, err := p.ContainDeploy(ctx); err != nil {
		return err
	}
	if err := p.Defend(ctx); err != nil {
		return err
	}
	if err := p.Verify(ctx); err != nil {
		return err
	}
	if _, err := p.ContainRemove(ctx); err != nil {
		return err
	}
	return ErrThreatsDetected
}

func (p *Pipeline) loadDetection(inputPath string) (*threat.Report, error) {
	if inputPath != "" {
		return p.c.Store.LoadDetectionPath(inputPath)
	}
	return p.c.Store.LoadDetection()
}
