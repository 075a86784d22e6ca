package neutralize

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Detail carries channel-specific metadata about one attempt.
type Detail map[string]any

// Channel delivers one payload to a threat over a vector-specific
// transport and reports an explicit outcome. Channels never return Go
// errors: a transport-level problem is OutcomeChannelError with the
// reason in the detail.
type Channel interface {
	Deliver(ctx context.Context, strategy, payload string, rec threat.Record) (Outcome, string, Detail)
}

// payloadPreviewLen bounds how much payload text lands in attempt
// details.
const payloadPreviewLen = 100

func preview(payload string) string {
	if len(payload) <= payloadPreviewLen {
		return payload
	}
	return payload[:payloadPreviewLen] + "..."
}

// strategyRates are the simulated per-strategy landing rates for
// network delivery.
var strategyRates = map[string]float64{
	"confusion":   0.7,
	"redirection": 0.8,
	"overload":    0.6,
	"shutdown":    0.5,
}

func rateFor(strategy string) float64 {
	if r, ok := strategyRates[strategy]; ok {
		return r
	}
	return 0.5
}

// serviceEndpoints maps a detected AI service to the API endpoint a
// network delivery would target.
var serviceEndpoints = map[string]string{
	"openai":      "https://api.openai.com/v1/chat/completions",
	"anthropic":   "https://api.anthropic.com/v1/complete",
	"huggingface": "https://api-inference.huggingface.co/models",
}

// NetworkChannel simulates delivery to the API endpoint of the service
// named in the threat's evidence.
type NetworkChannel struct {
	source OutcomeSource
	logger *zap.Logger
}

// NewNetworkChannel returns a network delivery channel.
func NewNetworkChannel(source OutcomeSource, logger *zap.Logger) *NetworkChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworkChannel{source: source, logger: logger}
}

// Deliver implements Channel. A threat whose service has no known
// endpoint is a channel error.
func (c *NetworkChannel) Deliver(_ context.Context, strategy, payload string, rec threat.Record) (Outcome, string, Detail) {
	service := rec.Evidence.GetString(threat.KeyService)
	endpoint, ok := serviceEndpoints[service]
	if !ok {
		return OutcomeChannelError, "", Detail{"reason": "no endpoint found", "service": service}
	}

	c.logger.Debug("network delivery",
		zap.String("strategy", strategy),
		zap.String("endpoint", endpoint),
	)

	outcome := OutcomeFailure
	if c.source.Land(strategy, rateFor(strategy)) {
		outcome = OutcomeSuccess
	}
	return outcome, "network_api", Detail{
		"target":          endpoint,
		"payload_preview": preview(payload),
	}
}

// ProcessChannel simulates delivery into a local model process through
// the channel its runtime exposes.
type ProcessChannel struct {
	source OutcomeSource
	logger *zap.Logger

	mu      sync.Mutex
	vecNext int
}

// pythonVectors are the local injection vectors a Python AI process
// exposes, rotated deterministically across attempts.
var pythonVectors = []string{"env_var", "shared_memory", "debug_port"}

// ollamaEndpoint is the local generation API Ollama listens on.
const ollamaEndpoint = "http://localhost:11434/api/generate"

// NewProcessChannel returns a process delivery channel.
func NewProcessChannel(source OutcomeSource, logger *zap.Logger) *ProcessChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessChannel{source: source, logger: logger}
}

// Deliver implements Channel. The process name selects the runtime-
// specific method; unrecognized process types are a channel error.
func (c *ProcessChannel) Deliver(_ context.Context, strategy, payload string, rec threat.Record) (Outcome, string, Detail) {
	name := strings.ToLower(rec.Evidence.GetString(threat.KeyProcessName))
	pid := rec.Evidence.GetInt(threat.KeyProcessID)

	c.logger.Debug("process delivery",
		zap.String("strategy", strategy),
		zap.String("process", name),
		zap.Int("pid", pid),
	)

	switch {
	case strings.Contains(name, "ollama"):
		outcome := OutcomeFailure
		if c.source.Land(strategy, 0.75) {
			outcome = OutcomeSuccess
		}
		return outcome, "ollama_api_injection", Detail{
			"target_pid":      pid,
			"api_endpoint":    ollamaEndpoint,
			"payload_preview": preview(payload),
		}

	case strings.Contains(name, "python"):
		c.mu.Lock()
		vector := pythonVectors[c.vecNext%len(pythonVectors)]
		c.vecNext++
		c.mu.Unlock()

		outcome := OutcomeFailure
		if c.source.Land(strategy, 0.7) {
			outcome = OutcomeSuccess
		}
		return outcome, "python_" + vector + "_injection", Detail{
			"target_pid":       pid,
			"injection_vector": vector,
		}

	case strings.Contains(name, "llama.cpp"):
		outcome := OutcomeFailure
		if c.source.Land(strategy, 0.65) {
			outcome = OutcomeSuccess
		}
		return outcome, "llama_cpp_stream_injection", Detail{
			"target_pid": pid,
			"stream":     "stdin",
		}

	default:
		return OutcomeChannelError, "", Detail{
			"reason":  "unknown process type",
			"process": name,
			"pid":     strconv.Itoa(pid),
		}
	}
}

// BehavioralChannel simulates timing-based interception: the payload
// is staged to ride the threat's next observed API call.
type BehavioralChannel struct {
	source OutcomeSource
	logger *zap.Logger
}

// NewBehavioralChannel returns a behavioral delivery channel.
func NewBehavioralChannel(source OutcomeSource, logger *zap.Logger) *BehavioralChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BehavioralChannel{source: source, logger: logger}
}

// Deliver implements Channel.
func (c *BehavioralChannel) Deliver(_ context.Context, strategy, payload string, rec threat.Record) (Outcome, string, Detail) {
	c.logger.Debug("behavioral delivery",
		zap.String("strategy", strategy),
		zap.String("threat_id", rec.ID),
	)

	outcome := OutcomeFailure
	if c.source.Land(strategy, 0.65) {
		outcome = OutcomeSuccess
	}
	return outcome, "behavioral_interception", Detail{
		"timing":          "next_api_call",
		"payload_preview": preview(payload),
	}
}

// DefaultChannels wires the three built-in channels to the vectors
// they serve, sharing one outcome source.
func DefaultChannels(source OutcomeSource, logger *zap.Logger) map[threat.Vector]Channel {
	return map[threat.Vector]Channel{
		threat.VectorNetwork:    NewNetworkChannel(source, logger),
		threat.VectorProcess:    NewProcessChannel(source, logger),
		threat.VectorBehavioral: NewBehavioralChannel(source, logger),
	}
}
