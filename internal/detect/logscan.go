package detect

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fermsi-paradox/openai-injex/internal/threat"
)

// Log scan bounds.
const (
	logTailLines     = 1000
	logLineLimit     = 200
	logScanSeverity  = 3
	maxLogLineLength = 64 * 1024
)

// DefaultLogPaths returns the log files scanned when none are
// configured. Missing files are skipped silently.
func DefaultLogPaths() []string {
	paths := []string{
		"/var/log/syslog",
		"/var/log/auth.log",
		"/var/log/apache2/access.log",
		"/var/log/nginx/access.log",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".bash_history"))
	}
	return paths
}

// LogScanner tails configured log files and flags lines referencing AI
// service APIs.
type LogScanner struct {
	paths  []string
	sigs   *Signatures
	logger *zap.Logger
	now    func() time.Time
}

// NewLogScanner builds a scanner over the given log files. Nil paths
// use DefaultLogPaths; a nil signature set uses the built-in patterns.
func NewLogScanner(paths []string, sigs *Signatures, logger *zap.Logger) *LogScanner {
	if paths == nil {
		paths = DefaultLogPaths()
	}
	if sigs == nil {
		sigs = DefaultSignatures()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogScanner{
		paths:  paths,
		sigs:   sigs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Scanner.
func (s *LogScanner) Name() string { return "log" }

// Vector implements Scanner.
func (s *LogScanner) Vector() threat.Vector { return threat.VectorLog }

// Scan reads the tail of every configured log file. Unreadable files
// are skipped; only a cancelled context aborts the scan.
func (s *LogScanner) Scan(ctx context.Context) ([]threat.Record, error) {
	var records []threat.Record
	for _, path := range s.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := s.scanFile(path)
		if err != nil {
			s.logger.Debug("log file skipped", zap.String("path", path), zap.Error(err))
			continue
		}
		records = append(records, found...)
	}
	return records, nil
}

// scanFile matches the last logTailLines lines of path against the API
// patterns. A line matches at most one pattern.
func (s *LogScanner) scanFile(path string) ([]threat.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		lines []string
		first = 0 // line number of lines[0], zero-based
		total = 0
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineLength)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		total++
		if len(lines) > logTailLines {
			lines = lines[1:]
			first++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	now := s.now()
	base := filepath.Base(path)
	var records []threat.Record
	for i, line := range lines {
		pattern := s.sigs.MatchAPILine(line)
		if pattern == nil {
			continue
		}
		excerpt := line
		if len(excerpt) > logLineLimit {
			excerpt = excerpt[:logLineLimit]
		}
		lineNo := first + i
		records = append(records, threat.Record{
			ID:          threat.RecordID(path, strconv.Itoa(lineNo), pattern.String()),
			Vector:      threat.VectorLog,
			Description: fmt.Sprintf("AI API access detected in %s", base),
			Severity:    logScanSeverity,
			Evidence: threat.Evidence{
				threat.KeyLogFile:    path,
				threat.KeyLineNumber: lineNo,
				threat.KeyPattern:    pattern.String(),
				threat.KeyExcerpt:    excerpt,
			},
			DetectedAt: now,
		})
	}
	return records, nil
}
