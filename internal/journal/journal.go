// Package journal implements a hash-chained audit log of pipeline
// actions.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the
// SHA-256 of its predecessor, making any tampering detectable via
// Verify.
//
// Two implementations of the Journal interface are provided:
//   - MemoryJournal: in-process, for testing and single runs.
//   - PostgresJournal: durable, for long-lived monitor deployments.
package journal

import "context"

// Actions recorded by the pipeline.
const (
	ActionGenesis        = "genesis"
	ActionStageStarted   = "stage_started"
	ActionStageCompleted = "stage_completed"
	ActionStageFailed    = "stage_failed"
	ActionRuleApplied    = "rule_applied"
	ActionRuleRemoved    = "rule_removed"
	ActionInjection      = "injection"
	ActionVerification   = "verification"
)

// SystemActor is the actor recorded for entries the pipeline writes on
// its own behalf.
const SystemActor = "injex-pipeline"

// Journal is the append-only hash-chained action log.
type Journal interface {
	// Append adds a new entry chained to the previous one. subject
	// names what was acted on (a stage, threat id, or rule identity);
	// payload is JSON-marshalled and its SHA-256 stored as DataHash.
	Append(ctx context.Context, subject, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}
