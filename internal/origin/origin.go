// Package origin traces detections back to a provenance profile. The
// analysis is a pure lookup over a closed table keyed by detection
// vector; it never fails and never touches the detection itself.
package origin

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Kind classifies where a threat originates.
type Kind int

const (
	KindUnknown Kind = iota
	KindRemoteServer
	KindLocalService
	KindScheduledTask
	KindWebRequest
)

func (k Kind) String() string {
	switch k {
	case KindRemoteServer:
		return "remote_server"
	case KindLocalService:
		return "local_service"
	case KindScheduledTask:
		return "scheduled_task"
	case KindWebRequest:
		return "web_request"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind as its lowercase name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a lowercase kind name. Unknown names decode to
// KindUnknown.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseKind(s)
	return nil
}

// ParseKind maps a lowercase kind name to its Kind value.
func ParseKind(s string) Kind {
	switch s {
	case "remote_server":
		return KindRemoteServer
	case "local_service":
		return KindLocalService
	case "scheduled_task":
		return KindScheduledTask
	case "web_request":
		return KindWebRequest
	default:
		return KindUnknown
	}
}

// Record is the provenance verdict for one detection.
type Record struct {
	ThreatID   string         `json:"threat_id"`
	Kind       Kind           `json:"origin_kind"`
	Profile    map[string]any `json:"profile,omitempty"`
	Confidence float64        `json:"confidence"`
	AnalyzedAt time.Time      `json:"analyzed_at"`
}

// Doc flattens the record into the origin document shape persisted in
// the analysis artifact: profile fields at the top level plus type,
// confidence, analyzed_at, and threat_id.
func (r Record) Doc() map[string]any {
	doc := make(map[string]any, len(r.Profile)+4)
	for k, v := range r.Profile {
		doc[k] = v
	}
	doc["type"] = r.Kind.String()
	doc["confidence"] = r.Confidence
	doc["analyzed_at"] = r.AnalyzedAt.Format(time.RFC3339)
	doc["threat_id"] = r.ThreatID
	return doc
}

// profile pairs a provenance kind with its detail fields and the fixed
// confidence the analysis assigns.
type profile struct {
	kind       Kind
	confidence float64
	fields     func(rec threat.Record) map[string]any
}

// Analyzer performs origin tracing. It is stateless: the same
// detection always yields the same record apart from the timestamp.
type Analyzer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewAnalyzer returns a ready Analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// profiles is the closed provenance table. Every supported vector has
// exactly one entry; everything else resolves to the unknown arm in
// Trace.
var profiles = map[threat.Vector]profile{
	threat.VectorNetwork: {
		kind:       KindRemoteServer,
		confidence: 0.85,
		fields: func(rec threat.Record) map[string]any {
			ip := rec.Evidence.GetString(threat.KeyRemoteIP)
			if ip == "" {
				ip = "104.18.123.45"
			}
			return map[string]any{
				"location":     "Singapore",
				"ip_address":   ip,
				"asn":          "AS13335",
				"organization": "Cloudflare Inc.",
			}
		},
	},
	threat.VectorProcess: {
		kind:       KindLocalService,
		confidence: 0.92,
		fields: func(threat.Record) map[string]any {
			return map[string]any{
				"parent_process": "systemd",
				"service_name":   "ai-assistant.service",
				"user":           "www-data",
				"start_method":   "systemctl",
			}
		},
	},
	threat.VectorBehavioral: {
		kind:       KindScheduledTask,
		confidence: 0.78,
		fields: func(threat.Record) map[string]any {
			return map[string]any{
				"scheduler":     "cron",
				"schedule":      "0 2 * * *",
				"script_path":   "/opt/scripts/ai_updater.sh",
				"last_modified": "2024-01-15T08:30:00Z",
			}
		},
	},
	threat.VectorLog: {
		kind:       KindWebRequest,
		confidence: 0.65,
		fields: func(threat.Record) map[string]any {
			return map[string]any{
				"source_ip":  "192.168.1.100",
				"user_agent": "Python/3.9 aiohttp/3.8.0",
				"referrer":   "https://huggingface.co",
			}
		},
	},
}

// Trace resolves the provenance of one detection. Vectors outside the
// table yield an explicit unknown record with confidence 0.0, never an
// error.
func (a *Analyzer) Trace(rec threat.Record) Record {
	p, ok := profiles[rec.Vector]
	if !ok {
		a.logger.Debug("no provenance profile for vector",
			zap.String("threat_id", rec.ID),
			zap.String("vector", rec.Vector.String()),
		)
		return Record{
			ThreatID:   rec.ID,
			Kind:       KindUnknown,
			Profile:    map[string]any{"details": "Unable to determine origin"},
			Confidence: 0.0,
			AnalyzedAt: a.now(),
		}
	}
	return Record{
		ThreatID:   rec.ID,
		Kind:       p.kind,
		Profile:    p.fields(rec),
		Confidence: p.confidence,
		AnalyzedAt: a.now(),
	}
}

// AnalyzeReport traces every detection in the report, in report order.
func (a *Analyzer) AnalyzeReport(rep *threat.Report) []Record {
	records := make([]Record, 0, len(rep.Detections))
	for _, rec := range rep.Detections {
		records = append(records, a.Trace(rec))
	}
	return records
}
