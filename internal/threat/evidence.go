package threat

// Evidence keys written by the built-in scanners.
const (
	KeyRemoteIP       = "remote_ip"
	KeyRemotePort     = "remote_port"
	KeyProcessName    = "process_name"
	KeyProcessID      = "process_id"
	KeyService        = "service"
	KeyCommandLine    = "command_line"
	KeyPatternMatched = "pattern_matched"
	KeyStartTime      = "start_time"
	KeyLogFile        = "log_file"
	KeyLineNumber     = "line_number"
	KeyPattern        = "pattern"
	KeyExcerpt        = "excerpt"
)

// Evidence carries vector-specific supporting detail for a detection.
// Values that round-trip through JSON come back with float64 numbers,
// so callers should read entries through the typed accessors.
type Evidence map[string]any

// GetString returns the string value for key, or "" when the key is
// absent or holds a non-string.
func (e Evidence) GetString(key string) string {
	s, _ := e[key].(string)
	return s
}

// GetInt returns the integer value for key, accepting both native ints
// and JSON-decoded float64 values. Absent keys return 0.
func (e Evidence) GetInt(key string) int {
	switch n := e[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
