// Package inspect scans outbound request bodies for credential patterns
// before they leave the sandbox. The patterns are deliberately broad:
// blocking a legitimate request is recoverable, a leaked credential is
// not.
package inspect

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/orion-agent/aegis/internal/domain/policy"
)

// maxExcerptsPerPattern caps how many redacted samples one pattern
// contributes to a result.
const maxExcerptsPerPattern = 3

// compiledPattern pairs a pattern name with its compiled regex.
type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// credentialPatterns is the built-in detection set. Names are stable:
// they appear in audit entries and block responses.
var credentialPatterns = []compiledPattern{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret_key", regexp.MustCompile(`[^A-Za-z0-9/+][0-9a-zA-Z/+]{40}[^A-Za-z0-9/+=]`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9\-]{20,}`)},
	{"google_api_key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`)},
	{"slack_token", regexp.MustCompile(`xox[bpras]-[A-Za-z0-9\-]{10,}`)},
	{"slack_webhook", regexp.MustCompile(`https://hooks\.slack\.com/services/T[A-Z0-9]+/B[A-Z0-9]+/[A-Za-z0-9]+`)},
	{"private_key_header", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----`)},
	{"connection_string", regexp.MustCompile(`(?i)(mongodb|postgres|mysql|redis)://[^\s]+@[^\s]+`)},
	{"generic_bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.~+/]{40,}`)},
	{"generic_password_assignment", regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[:=]\s*["'][^"']{8,}["']`)},
}

// Result is the outcome of inspecting one request body.
type Result struct {
	// Clean is true when no pattern matched (or inspection was skipped).
	Clean bool
	// PatternsFound lists the names of matched patterns.
	PatternsFound []string
	// Excerpts holds redacted samples ("AKIA...LE") for operator review.
	// Raw matched values never leave this package.
	Excerpts []string
}

// Blocked reports whether the request should be refused.
func (r Result) Blocked() bool {
	return !r.Clean
}

// Inspector scans request bodies against the credential pattern set.
type Inspector struct {
	patterns    []compiledPattern
	maxBodySize int64
}

// New creates an Inspector. Bodies larger than maxBodySize are skipped
// (almost certainly a file upload, and a separate size policy applies).
func New(maxBodySize int64) *Inspector {
	return &Inspector{
		patterns:    credentialPatterns,
		maxBodySize: maxBodySize,
	}
}

// Inspect scans body for credential patterns.
//
// Inspection is skipped entirely -- returning clean -- when:
//   - the method is read-only (no body worth inspecting),
//   - the target is an LLM provider host (those requests legitimately
//     carry the caller's own API keys),
//   - the body exceeds the configured size cutoff,
//   - the body is empty.
func (ins *Inspector) Inspect(body []byte, targetHostname, method string) Result {
	if policy.IsReadMethod(method) {
		return Result{Clean: true}
	}
	if policy.IsLLMDomain(strings.ToLower(targetHostname)) {
		return Result{Clean: true}
	}
	if int64(len(body)) > ins.maxBodySize {
		return Result{Clean: true}
	}

	text := string(body)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if strings.TrimSpace(text) == "" {
		return Result{Clean: true}
	}

	var found []string
	var excerpts []string
	for _, p := range ins.patterns {
		matches := p.re.FindAllString(text, maxExcerptsPerPattern)
		if len(matches) == 0 {
			continue
		}
		found = append(found, p.name)
		for _, m := range matches {
			excerpts = append(excerpts, p.name+": "+redact(m))
		}
	}

	return Result{
		Clean:         len(found) == 0,
		PatternsFound: found,
		Excerpts:      excerpts,
	}
}

// redact keeps only the first 4 and last 2 characters of a match.
func redact(s string) string {
	if len(s) <= 8 {
		return "***REDACTED***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}
