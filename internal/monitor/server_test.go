package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/artifact"
	"github.com/fermsi-paradox/openai-injex/internal/contain"
	"github.com/fermsi-paradox/openai-injex/internal/neutralize"
	"github.com/fermsi-paradox/openai-injex/internal/pipeline"
	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

type stubReports struct {
	report       *threat.Report
	defense      []artifact.DefenseEntry
	verification []artifact.VerificationEntry
}

func (s *stubReports) LoadDetection() (*threat.Report, error) {
	if s.report == nil {
		return nil, artifact.ErrMissing
	}
	return s.report, nil
}

func (s *stubReports) LoadDefense() ([]artifact.DefenseEntry, error) {
	if s.defense == nil {
		return nil, artifact.ErrMissing
	}
	return s.defense, nil
}

func (s *stubReports) LoadVerification() ([]artifact.VerificationEntry, error) {
	if s.verification == nil {
		return nil, artifact.ErrMissing
	}
	return s.verification, nil
}

type stubRules struct {
	rules []contain.Rule
}

func (s *stubRules) Rules() []contain.Rule { return s.rules }

type stubSweeper struct {
	runs int
	err  error
}

func (s *stubSweeper) Run(_ context.Context) error {
	s.runs++
	return s.err
}

func newTestServer(reports *stubReports, rules *stubRules) *Server {
	return NewServer(Config{Port: 0, ScanInterval: time.Hour}, reports, rules, &stubSweeper{}, zap.NewNop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&stubReports{}, &stubRules{})

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusWithoutReport(t *testing.T) {
	s := newTestServer(&stubReports{}, &stubRules{})

	rec := get(t, s, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "monitoring" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["last_sweep"] != nil {
		t.Errorf("last_sweep = %v, want null before first report", body["last_sweep"])
	}
}

func TestStatusWithReport(t *testing.T) {
	rep := threat.NewReport(time.Now(), []threat.Record{
		{ID: "aaaa0001", Vector: threat.VectorNetwork, Severity: 7},
	})
	s := newTestServer(&stubReports{report: rep}, &stubRules{})

	rec := get(t, s, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		LastSweep struct {
			ThreatsDetected bool   `json:"threats_detected"`
			ThreatLevel     string `json:"threat_level"`
			AgentCount      int    `json:"agent_count"`
		} `json:"last_sweep"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.LastSweep.ThreatsDetected {
		t.Error("threats_detected = false")
	}
	if body.LastSweep.ThreatLevel != "high" {
		t.Errorf("threat_level = %q, want high", body.LastSweep.ThreatLevel)
	}
	if body.LastSweep.AgentCount != 1 {
		t.Errorf("agent_count = %d, want 1", body.LastSweep.AgentCount)
	}
}

func TestReportMissing(t *testing.T) {
	s := newTestServer(&stubReports{}, &stubRules{})

	rec := get(t, s, "/api/v1/report")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReportServed(t *testing.T) {
	rep := threat.NewReport(time.Now(), []threat.Record{
		{ID: "aaaa0001", Vector: threat.VectorProcess, Severity: 8},
	})
	s := newTestServer(&stubReports{report: rep}, &stubRules{})

	rec := get(t, s, "/api/v1/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got threat.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Level != threat.LevelCritical {
		t.Errorf("level = %s, want critical", got.Level)
	}
}

func TestRulesEndpoint(t *testing.T) {
	rules := &stubRules{rules: []contain.Rule{
		{Kind: contain.KindBlockIP, Target: "104.18.7.192", Direction: contain.DirectionOutbound},
		{Kind: contain.KindBlockProcess, Target: "ollama"},
	}}
	s := newTestServer(&stubReports{}, rules)

	rec := get(t, s, "/api/v1/rules")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Count int            `json:"count"`
		Rules []contain.Rule `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}
	if len(body.Rules) != 2 || body.Rules[0].Target != "104.18.7.192" {
		t.Errorf("rules = %+v", body.Rules)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(&stubReports{}, &stubRules{})

	rec := get(t, s, "/healthz")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestSweepRunsPipeline(t *testing.T) {
	sweeper := &stubSweeper{}
	s := NewServer(Config{ScanInterval: time.Hour}, &stubReports{}, &stubRules{}, sweeper, zap.NewNop())

	s.sweep(context.Background())
	s.sweep(context.Background())

	if sweeper.runs != 2 {
		t.Errorf("pipeline runs = %d, want 2", sweeper.runs)
	}
}

func TestSweepRecordsResponseMetrics(t *testing.T) {
	reports := &stubReports{
		report: threat.NewReport(time.Now(), []threat.Record{
			{ID: "aaaa0001", Vector: threat.VectorNetwork, Severity: 7},
		}),
		defense: []artifact.DefenseEntry{
			{ThreatID: "aaaa0001", Success: true, Method: "redirection", Attempts: []neutralize.Attempt{
				{Strategy: "confusion", Outcome: neutralize.OutcomeFailure},
				{Strategy: "redirection", Outcome: neutralize.OutcomeSuccess},
			}},
		},
		verification: []artifact.VerificationEntry{
			{ThreatID: "aaaa0001", Neutralized: true},
		},
	}
	sweeper := &stubSweeper{err: pipeline.ErrThreatsDetected}
	s := NewServer(Config{ScanInterval: time.Hour}, reports, &stubRules{}, sweeper, zap.NewNop())

	failedBefore := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("confusion", "failure"))
	succeededBefore := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("redirection", "success"))
	neutralizedBefore := testutil.ToFloat64(injexVerificationsTotal.WithLabelValues("neutralized"))

	s.sweep(context.Background())

	if got := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("confusion", "failure")); got != failedBefore+1 {
		t.Errorf("failed injections = %v, want %v", got, failedBefore+1)
	}
	if got := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("redirection", "success")); got != succeededBefore+1 {
		t.Errorf("succeeded injections = %v, want %v", got, succeededBefore+1)
	}
	if got := testutil.ToFloat64(injexVerificationsTotal.WithLabelValues("neutralized")); got != neutralizedBefore+1 {
		t.Errorf("neutralized verifications = %v, want %v", got, neutralizedBefore+1)
	}
}

func TestCleanSweepSkipsResponseMetrics(t *testing.T) {
	// Stale artifacts from an earlier pass must not be re-counted when
	// the sweep itself came back clean.
	reports := &stubReports{
		defense: []artifact.DefenseEntry{
			{ThreatID: "aaaa0001", Success: true, Attempts: []neutralize.Attempt{
				{Strategy: "overload", Outcome: neutralize.OutcomeSuccess},
			}},
		},
	}
	s := NewServer(Config{ScanInterval: time.Hour}, reports, &stubRules{}, &stubSweeper{}, zap.NewNop())

	before := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("overload", "success"))
	s.sweep(context.Background())

	if got := testutil.ToFloat64(injexInjectionsTotal.WithLabelValues("overload", "success")); got != before {
		t.Errorf("injections = %v, want unchanged %v", got, before)
	}
}
