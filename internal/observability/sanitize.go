package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns match secrets that provider errors and request metadata
// are known to echo back: provider API keys, bearer headers, JWTs and
// key=value secrets.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI (sk-, sk-proj-) and Anthropic (sk-ant-) keys.
	regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{12,}`),
	// Underscore-style keys: sk_, pk_, rk_, ab_ (AgentBill), gh*_ tokens.
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|ab|gh[pousr])_[a-z0-9_-]{8,}\b`),
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|password|secret|token)\s*[=:]\s*\S{4,}`),
}

// ContainsCredential reports whether s matches a credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every credential match in s with a fixed marker.
// s is returned as is when nothing matches.
func ScrubCredentials(s string) string {
	if !ContainsCredential(s) {
		return s
	}
	result := s
	for _, p := range credentialPatterns {
		result = p.ReplaceAllString(result, credentialRedacted)
	}
	return strings.TrimSpace(result)
}
