// Package contain turns threat evidence into abstract block rules,
// deploys them against an external rule surface, and tracks the live
// rule set so teardown removes exactly what was applied.
package contain

import "encoding/json"

// RuleKind is the class of resource a rule blocks.
type RuleKind int

const (
	KindBlockIP RuleKind = iota
	KindBlockPort
	KindBlockProcess
)

func (k RuleKind) String() string {
	switch k {
	case KindBlockPort:
		return "block_port"
	case KindBlockProcess:
		return "block_process"
	default:
		return "block_ip"
	}
}

// MarshalJSON encodes the kind as its lowercase name.
func (k RuleKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a lowercase kind name.
func (k *RuleKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "block_port":
		*k = KindBlockPort
	case "block_process":
		*k = KindBlockProcess
	default:
		*k = KindBlockIP
	}
	return nil
}

// DirectionOutbound is the only direction the built-in rules use.
const DirectionOutbound = "outbound"

// Rule is one abstract block rule. Rules exist only while deployed;
// identity is (Kind, Target), so re-deploying the same identity never
// creates a second tracked entry.
type Rule struct {
	Kind      RuleKind `json:"type"`
	Target    string   `json:"target"`
	Direction string   `json:"direction,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Identity returns the deduplication key for the rule.
func (r Rule) Identity() string {
	return r.Kind.String() + ":" + r.Target
}
