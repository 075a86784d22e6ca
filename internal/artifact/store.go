package artifact

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Artifact file names under the state directory.
const (
	DetectionFile    = "detection_report.json"
	AnalysisFile     = "analysis_report.json"
	DefenseFile      = "defense_results.json"
	VerificationFile = "verification_report.json"
)

var (
	// ErrMissing marks a prerequisite artifact that does not exist.
	ErrMissing = errors.New("artifact missing")
	// ErrMalformed marks an artifact that fails schema validation.
	ErrMalformed = errors.New("artifact malformed")
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Store reads and writes pipeline artifacts under one state directory.
// Every document is validated against its embedded JSON Schema on both
// sides: a stage never writes an invalid artifact and never consumes
// one.
type Store struct {
	dir     string
	schemas map[string]*gojsonschema.Schema
	logger  *zap.Logger
}

// NewStore builds a store rooted at dir, creating it when absent.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}

	schemas := make(map[string]*gojsonschema.Schema, 4)
	for _, name := range []string{DetectionFile, AnalysisFile, DefenseFile, VerificationFile} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		schemas[name] = schema
	}

	return &Store{dir: dir, schemas: schemas, logger: logger}, nil
}

// Dir returns the state directory the store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path of a named artifact.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) validate(name string, data []byte) error {
	schema, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("no schema registered for %s", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if !result.Valid() {
		var descs []string
		for _, desc := range result.Errors() {
			descs = append(descs, desc.String())
		}
		return fmt.Errorf("%w: %s: %s", ErrMalformed, name, strings.Join(descs, "; "))
	}
	return nil
}

// save validates and then writes the document atomically. Validation
// failure leaves any existing artifact untouched.
func (s *Store) save(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.validate(name, data); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}

	s.logger.Debug("artifact written",
		zap.String("artifact", name),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *Store) loadPath(name, path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s: not valid JSON", ErrMalformed, path)
	}
	if err := s.validate(name, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

func (s *Store) load(name string, out any) error {
	return s.loadPath(name, s.Path(name), out)
}

// SaveDetection persists the detection report.
func (s *Store) SaveDetection(rep *threat.Report) error {
	return s.save(DetectionFile, rep)
}

// LoadDetection loads the detection report from the state directory.
func (s *Store) LoadDetection() (*threat.Report, error) {
	var rep threat.Report
	if err := s.load(DetectionFile, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// LoadDetectionPath loads a detection report from an explicit path,
// validated like any other. Supports feeding an external report into
// the analyze stage.
func (s *Store) LoadDetectionPath(path string) (*threat.Report, error) {
	var rep threat.Report
	if err := s.loadPath(DetectionFile, path, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// SaveAnalysis persists the origin analysis report.
func (s *Store) SaveAnalysis(entries []AnalysisEntry) error {
	if entries == nil {
		entries = []AnalysisEntry{}
	}
	return s.save(AnalysisFile, entries)
}

// LoadAnalysis loads the origin analysis report.
func (s *Store) LoadAnalysis() ([]AnalysisEntry, error) {
	var entries []AnalysisEntry
	if err := s.load(AnalysisFile, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveDefense persists the neutralization results.
func (s *Store) SaveDefense(entries []DefenseEntry) error {
	if entries == nil {
		entries = []DefenseEntry{}
	}
	return s.save(DefenseFile, entries)
}

// LoadDefense loads the neutralization results.
func (s *Store) LoadDefense() ([]DefenseEntry, error) {
	var entries []DefenseEntry
	if err := s.load(DefenseFile, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveVerification persists the verification report.
func (s *Store) SaveVerification(entries []VerificationEntry) error {
	if entries == nil {
		entries = []VerificationEntry{}
	}
	return s.save(VerificationFile, entries)
}

// LoadVerification loads the verification report.
func (s *Store) LoadVerification() ([]VerificationEntry, error) {
	var entries []VerificationEntry
	if err := s.load(VerificationFile, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
