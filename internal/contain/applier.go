package contain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Applier is the external rule-control surface. Implementations own
// all platform specifics; the core never branches on platform. Both
// operations must be idempotent: applying a present rule and removing
// an absent one succeed without effect.
type Applier interface {
	Apply(ctx context.Context, rule Rule) error
	Remove(ctx context.Context, rule Rule) error
}

// StateApplier simulates the host rule surface by persisting applied
// rules to a JSON state file. The file doubles as the reconciliation
// source after a restart.
type StateApplier struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewStateApplier returns an applier backed by the state file at path.
func NewStateApplier(path string, logger *zap.Logger) *StateApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateApplier{path: path, logger: logger}
}

// Apply records the rule in the state file. Re-applying a present rule
// is a no-op.
func (a *StateApplier) Apply(ctx context.Context, rule Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rules, err := a.load()
	if err != nil {
		return err
	}
	if _, present := rules[rule.Identity()]; present {
		return nil
	}
	rules[rule.Identity()] = rule
	if err := a.save(rules); err != nil {
		return err
	}
	a.logger.Info("rule applied",
		zap.String("kind", rule.Kind.String()),
		zap.String("target", rule.Target),
	)
	return nil
}

// Remove deletes the rule from the state file. Removing an absent rule
// is a no-op.
func (a *StateApplier) Remove(ctx context.Context, rule Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rules, err := a.load()
	if err != nil {
		return err
	}
	if _, present := rules[rule.Identity()]; !present {
		return nil
	}
	delete(rules, rule.Identity())
	if err := a.save(rules); err != nil {
		return err
	}
	a.logger.Info("rule removed",
		zap.String("kind", rule.Kind.String()),
		zap.String("target", rule.Target),
	)
	return nil
}

// Applied returns the rules currently recorded in the state file,
// sorted by identity.
func (a *StateApplier) Applied(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rules, err := a.load()
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out, nil
}

func (a *StateApplier) load() (map[string]Rule, error) {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return make(map[string]Rule), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rule state: %w", err)
	}

	var list []Rule
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode rule state %s: %w", a.path, err)
	}
	rules := make(map[string]Rule, len(list))
	for _, r := range list {
		rules[r.Identity()] = r
	}
	return rules, nil
}

func (a *StateApplier) save(rules map[string]Rule) error {
	list := make([]Rule, 0, len(rules))
	for _, r := range rules {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Identity() < list[j].Identity() })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rule state: %w", err)
	}
	if dir := filepath.Dir(a.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	// Write-then-rename keeps the state file whole if we crash
	// mid-write.
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rule state: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("replace rule state: %w", err)
	}
	return nil
}
