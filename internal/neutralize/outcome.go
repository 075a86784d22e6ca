// Package neutralize drives ordered injection strategies against
// detected threats through vector-specific delivery channels, stopping
// at the first strategy that lands.
package neutralize

import (
	"encoding/json"
	"math/rand"
	"sync"
)

// Outcome is the explicit result a delivery channel reports for one
// attempt.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
	OutcomeChannelError
	OutcomeNoPayload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeChannelError:
		return "channel_error"
	case OutcomeNoPayload:
		return "no_payload"
	default:
		return "failure"
	}
}

// MarshalJSON encodes the outcome as its lowercase name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes a lowercase outcome name.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "success":
		*o = OutcomeSuccess
	case "channel_error":
		*o = OutcomeChannelError
	case "no_payload":
		*o = OutcomeNoPayload
	default:
		*o = OutcomeFailure
	}
	return nil
}

// OutcomeSource decides whether a simulated delivery lands. The
// channels consult it instead of flipping coins inline, so tests swap
// in a scripted source.
type OutcomeSource interface {
	// Land reports whether a delivery with the given success rate
	// succeeds.
	Land(strategy string, rate float64) bool
}

// SeededSource draws from a PRNG with an explicit seed, making a whole
// simulated run reproducible.
type SeededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSource returns a source seeded with the given value.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: rand.New(rand.NewSource(seed))}
}

// Land implements OutcomeSource.
func (s *SeededSource) Land(_ string, rate float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

// ScriptedSource replays a fixed outcome sequence and then fails.
// Intended for tests.
type ScriptedSource struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
}

// NewScriptedSource returns a source that yields the given outcomes in
// order.
func NewScriptedSource(outcomes ...bool) *ScriptedSource {
	return &ScriptedSource{outcomes: outcomes}
}

// Land implements OutcomeSource.
func (s *ScriptedSource) Land(_ string, _ float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.outcomes) {
		return false
	}
	out := s.outcomes[s.next]
	s.next++
	return out
}
