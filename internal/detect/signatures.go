package detect

import (
	"regexp"
	"strings"
)

// Signatures holds the compiled pattern tables the scanners match
// hosts against.
type Signatures struct {
	// APIPatterns match AI service URLs in log lines.
	APIPatterns []*regexp.Regexp

	// ProcessPatterns match AI tooling in process command lines.
	ProcessPatterns []*regexp.Regexp

	// FilePatterns match model artifacts in open file paths.
	FilePatterns []*regexp.Regexp
}

// DefaultSignatures returns the built-in signature set.
func DefaultSignatures() *Signatures {
	return &Signatures{
		APIPatterns: compileAll(
			`openai\.com/v1`,
			`api\.anthropic\.com`,
			`generativelanguage\.googleapis\.com`,
			`huggingface\.co/api`,
			`replicate\.com/api`,
		),
		ProcessPatterns: compileAll(
			`(?i)python.*transformers`,
			`(?i)python.*openai`,
			`(?i)python.*langchain`,
			`(?i)ollama`,
			`(?i)llama\.cpp`,
			`(?i)vllm`,
		),
		FilePatterns: compileAll(
			`\.gguf$`,
			`\.safetensors$`,
			`model\.bin$`,
			`tokenizer\.json$`,
		),
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// MatchFile reports whether path matches any model-file pattern.
func (s *Signatures) MatchFile(path string) bool {
	for _, re := range s.FilePatterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// MatchCommandLine returns the first process pattern matching cmdline,
// or nil when none match.
func (s *Signatures) MatchCommandLine(cmdline string) *regexp.Regexp {
	for _, re := range s.ProcessPatterns {
		if re.MatchString(cmdline) {
			return re
		}
	}
	return nil
}

// MatchAPILine returns the first API pattern matching a log line, or
// nil when none match.
func (s *Signatures) MatchAPILine(line string) *regexp.Regexp {
	for _, re := range s.APIPatterns {
		if re.MatchString(line) {
			return re
		}
	}
	return nil
}

// ServiceSignature describes one known AI service endpoint.
type ServiceSignature struct {
	Name     string
	Domains  []string
	Ports    []int
	Severity int
}

// Match reports whether a resolved hostname and remote port belong to
// this service. Domain matching is substring-based, so subdomains of a
// listed domain match too.
func (s ServiceSignature) Match(hostname string, port int) bool {
	portOK := false
	for _, p := range s.Ports {
		if p == port {
			portOK = true
			break
		}
	}
	if !portOK {
		return false
	}
	for _, d := range s.Domains {
		// Substring match: reverse-DNS names embed the service domain
		// (e.g. "lb-3.api.openai.com").
		if d != "" && strings.Contains(hostname, d) {
			return true
		}
	}
	return false
}

// DefaultServices returns the built-in AI service table.
func DefaultServices() []ServiceSignature {
	return []ServiceSignature{
		{
			Name:     "openai",
			Domains:  []string{"api.openai.com", "openai.com"},
			Ports:    []int{443, 80},
			Severity: 5,
		},
		{
			Name:     "anthropic",
			Domains:  []string{"api.anthropic.com", "anthropic.com"},
			Ports:    []int{443},
			Severity: 5,
		},
		{
			Name:     "huggingface",
			Domains:  []string{"huggingface.co", "hf.co"},
			Ports:    []int{443},
			Severity: 4,
		},
		{
			Name:     "google_ai",
			Domains:  []string{"generativelanguage.googleapis.com"},
			Ports:    []int{443},
			Severity: 5,
		},
	}
}
