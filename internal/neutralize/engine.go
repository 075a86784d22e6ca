package neutralize

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Attempt is one append-only record of a strategy tried against a
// threat.
type Attempt struct {
	Strategy    string    `json:"strategy"`
	Outcome     Outcome   `json:"outcome"`
	Method      string    `json:"method,omitempty"`
	Detail      Detail    `json:"detail,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Result is the verdict of one Neutralize call. Attempts holds one
// entry per strategy tried, in configured order, truncated at the
// first success.
type Result struct {
	ThreatID string    `json:"threat_id"`
	Success  bool      `json:"injection_success"`
	Method   string    `json:"method_used,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// Engine iterates the configured strategies against a threat's
// delivery channel.
type Engine struct {
	library  *Library
	channels map[threat.Vector]Channel
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine builds an engine over the strategy library and the
// per-vector channel table.
func NewEngine(library *Library, channels map[threat.Vector]Channel, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		library:  library,
		channels: channels,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Neutralize tries each configured strategy in order against the
// threat's channel, stopping at the first success. A strategy without
// payloads records a no_payload attempt; a vector without a channel
// records a channel_error attempt. Attempts are atomic units: there
// is no mid-attempt cancellation and no per-strategy retry; callers
// bound the whole call with a context deadline if needed.
func (e *Engine) Neutralize(ctx context.Context, rec threat.Record) Result {
	result := Result{ThreatID: rec.ID}

	for _, st := range e.library.Strategies() {
		e.logger.Info("attempting injection",
			zap.String("strategy", st.Name),
			zap.String("threat_id", rec.ID),
		)

		payload, ok := e.library.NextPayload(st.Name)
		if !ok {
			result.Attempts = append(result.Attempts, Attempt{
				Strategy:    st.Name,
				Outcome:     OutcomeNoPayload,
				Detail:      Detail{"reason": "no payload configured"},
				AttemptedAt: e.now(),
			})
			continue
		}

		channel, ok := e.channels[rec.Vector]
		if !ok {
			result.Attempts = append(result.Attempts, Attempt{
				Strategy:    st.Name,
				Outcome:     OutcomeChannelError,
				Detail:      Detail{"reason": "no delivery channel for vector", "vector": rec.Vector.String()},
				AttemptedAt: e.now(),
			})
			continue
		}

		outcome, method, detail := channel.Deliver(ctx, st.Name, payload, rec)
		result.Attempts = append(result.Attempts, Attempt{
			Strategy:    st.Name,
			Outcome:     outcome,
			Method:      method,
			Detail:      detail,
			AttemptedAt: e.now(),
		})

		if outcome == OutcomeSuccess {
			result.Success = true
			result.Method = st.Name
			break
		}
	}

	if !result.Success {
		e.logger.Warn("all strategies exhausted",
			zap.String("threat_id", rec.ID),
			zap.Int("attempts", len(result.Attempts)),
		)
	}
	return result
}
