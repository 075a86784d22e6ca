package contain

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// DefaultWatchlistPorts are the remote ports worth a block_port rule
// when no watchlist is configured: the Ollama API and the common local
// model-server port.
var DefaultWatchlistPorts = []int{11434, 5000}

// ActionRecordFunc is an optional callback invoked after each
// successful apply or remove, for journaling and metrics.
type ActionRecordFunc func(action string, rule Rule)

// Manager owns the tracked live rule set. All mutation goes through
// Deploy and RemoveAll under a single mutex; the tracked set is the
// single source of truth for what is ours to remove.
type Manager struct {
	mu        sync.Mutex
	applier   Applier
	live      map[string]Rule
	watchlist map[int]struct{}
	onAction  ActionRecordFunc
	logger    *zap.Logger
}

// NewManager builds a manager over the given applier. A nil port list
// uses DefaultWatchlistPorts.
func NewManager(applier Applier, watchlistPorts []int, logger *zap.Logger) *Manager {
	if watchlistPorts == nil {
		watchlistPorts = DefaultWatchlistPorts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watchlist := make(map[int]struct{}, len(watchlistPorts))
	for _, p := range watchlistPorts {
		watchlist[p] = struct{}{}
	}
	return &Manager{
		applier:   applier,
		live:      make(map[string]Rule),
		watchlist: watchlist,
		logger:    logger,
	}
}

// SetActionRecord configures the action callback.
func (m *Manager) SetActionRecord(fn ActionRecordFunc) {
	m.onAction = fn
}

// rulesFor derives the candidate rules for one detection, inspecting
// evidence in fixed order: remote IP, then remote port when it is on
// the watchlist, then process name. At most one rule per matched
// field.
func (m *Manager) rulesFor(rec threat.Record) []Rule {
	var rules []Rule

	if ip := rec.Evidence.GetString(threat.KeyRemoteIP); ip != "" {
		rules = append(rules, Rule{
			Kind:      KindBlockIP,
			Target:    ip,
			Direction: DirectionOutbound,
			Reason:    rec.Description,
		})
	}
	if port := rec.Evidence.GetInt(threat.KeyRemotePort); port != 0 {
		if _, watched := m.watchlist[port]; watched {
			rules = append(rules, Rule{
				Kind:      KindBlockPort,
				Target:    strconv.Itoa(port),
				Direction: DirectionOutbound,
				Reason:    rec.Description,
			})
		}
	}
	if name := rec.Evidence.GetString(threat.KeyProcessName); name != "" {
		rules = append(rules, Rule{
			Kind:   KindBlockProcess,
			Target: name,
			Reason: rec.Description,
		})
	}
	return rules
}

// Deploy derives block rules from every detection in the report and
// applies them. An identity already live is skipped without an apply
// call; an apply failure leaves the rule untracked and uncounted. The
// returned count covers only rules the hook confirmed applied. Hook
// failures are not retried.
func (m *Manager) Deploy(ctx context.Context, rep *threat.Report) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deployed := 0
	for _, rec := range rep.Detections {
		for _, rule := range m.rulesFor(rec) {
			if err := ctx.Err(); err != nil {
				return deployed, err
			}
			if _, present := m.live[rule.Identity()]; present {
				continue
			}
			if err := m.applier.Apply(ctx, rule); err != nil {
				m.logger.Warn("rule apply failed, not tracked",
					zap.String("rule", rule.Identity()),
					zap.Error(err),
				)
				continue
			}
			m.live[rule.Identity()] = rule
			deployed++
			if m.onAction != nil {
				m.onAction("rule_applied", rule)
			}
		}
	}
	return deployed, nil
}

// RemoveAll tears the tracked set down. Each rule is removed through
// the hook; a successful removal drops it from the set, a failed one
// stays tracked for a later retry. Calling RemoveAll with an empty set
// returns 0 and no error.
func (m *Manager) RemoveAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identities := make([]string, 0, len(m.live))
	for id := range m.live {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	removed := 0
	for _, id := range identities {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rule := m.live[id]
		if err := m.applier.Remove(ctx, rule); err != nil {
			m.logger.Warn("rule remove failed, kept tracked",
				zap.String("rule", id),
				zap.Error(err),
			)
			continue
		}
		delete(m.live, id)
		removed++
		if m.onAction != nil {
			m.onAction("rule_removed", rule)
		}
	}
	return removed, nil
}

// Rules returns a snapshot of the live set, sorted by identity.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Rule, 0, len(m.live))
	for _, r := range m.live {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// reconcileSource is implemented by appliers that can report what is
// currently applied on the external surface.
type reconcileSource interface {
	Applied(ctx context.Context) ([]Rule, error)
}

// Reconcile loads the externally-applied rule list into the tracked
// set so rules from a previous run become removable again instead of
// leaking. Appliers without a persisted list reconcile to whatever is
// already tracked.
func (m *Manager) Reconcile(ctx context.Context) error {
	src, ok := m.applier.(reconcileSource)
	if !ok {
		return nil
	}
	applied, err := src.Applied(ctx)
	if err != nil {
		return fmt.Errorf("load applied rules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	adopted := 0
	for _, rule := range applied {
		if _, present := m.live[rule.Identity()]; !present {
			m.live[rule.Identity()] = rule
			adopted++
		}
	}
	if adopted > 0 {
		m.logger.Info("reconciled rules from previous run", zap.Int("adopted", adopted))
	}
	return nil
}
