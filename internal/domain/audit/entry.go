// Package audit contains the tamper-evident audit entry model: the entry
// fields, their canonical serialization, and the SHA-256 / HMAC chain
// computations. Persistence lives in the file store adapter.
package audit

import "time"

// EventType values for audit entries.
const (
	// EventRequest records an allowed, completed request.
	EventRequest = "request"
	// EventBlocked records a policy violation (domain, method, protocol).
	EventBlocked = "blocked"
	// EventRateLimited records a request rejected by a rate limit.
	EventRateLimited = "rate_limited"
	// EventCredentialLeak records a request blocked by content inspection.
	EventCredentialLeak = "credential_leak"
	// EventError records an upstream or internal failure.
	EventError = "error"
)

// RuleMatched markers for non-allowed outcomes.
const (
	RuleBlocked        = "BLOCKED"
	RuleRateLimited    = "RATE_LIMITED"
	RuleCredentialLeak = "CREDENTIAL_LEAK"
	// RuleAuditOnly marks requests that proceeded despite a violation
	// because enforcement is disabled.
	RuleAuditOnly = "AUDIT-ONLY"
)

// Entry is a single auditable network event, one JSON line in the log.
// PrevHash/EntryHash/HMACSig are filled by the store at append time.
type Entry struct {
	// Timestamp is the event time in epoch seconds.
	Timestamp float64 `json:"timestamp"`
	// EventType is one of the Event* constants.
	EventType string `json:"event_type"`
	// Method is the HTTP method (CONNECT for tunnels).
	Method string `json:"method"`
	// URL is the full request URL, or host:port for CONNECT.
	URL string `json:"url"`
	// Hostname is the target host the decision was made on.
	Hostname string `json:"hostname"`
	// Port is the target port.
	Port int `json:"port"`
	// Protocol is the request scheme.
	Protocol string `json:"protocol"`

	// StatusCode is the upstream response status (0 if blocked before sending).
	StatusCode int `json:"status_code"`
	// RequestSize is the request body size in bytes.
	RequestSize int64 `json:"request_size"`
	// ResponseSize is the response body size in bytes.
	ResponseSize int64 `json:"response_size"`
	// DurationMS is the request duration in milliseconds.
	DurationMS float64 `json:"duration_ms"`

	// RuleMatched is the whitelist domain that matched, or one of the
	// Rule* markers for non-allowed outcomes.
	RuleMatched string `json:"rule_matched"`
	// BlockedReason explains why the request was refused.
	BlockedReason string `json:"blocked_reason"`
	// CredentialPatterns lists the inspector pattern names that fired.
	// Never the matched values.
	CredentialPatterns []string `json:"credential_patterns"`

	// ClientIP is the source address inside the sandbox network.
	ClientIP string `json:"client_ip"`

	// PrevHash chains this entry to its predecessor (GenesisHash for the
	// first entry).
	PrevHash string `json:"prev_hash"`
	// EntryHash is the SHA-256 of this entry's canonical serialization.
	EntryHash string `json:"entry_hash"`
	// HMACSig is HMAC-SHA-256(key, EntryHash).
	HMACSig string `json:"hmac_sig"`
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Allowed builds an entry for a completed request.
func Allowed(method, url, hostname string, port int, protocol, rule string) Entry {
	return Entry{
		Timestamp:   now(),
		EventType:   EventRequest,
		Method:      method,
		URL:         url,
		Hostname:    hostname,
		Port:        port,
		Protocol:    protocol,
		RuleMatched: rule,
	}
}

// Blocked builds an entry for a policy violation.
func Blocked(method, url, hostname string, port int, protocol, reason string) Entry {
	return Entry{
		Timestamp:     now(),
		EventType:     EventBlocked,
		Method:        method,
		URL:           url,
		Hostname:      hostname,
		Port:          port,
		Protocol:      protocol,
		RuleMatched:   RuleBlocked,
		BlockedReason: reason,
	}
}

// RateLimited builds an entry for a rate-limited request.
func RateLimited(method, url, hostname string, port int, protocol, reason string) Entry {
	return Entry{
		Timestamp:     now(),
		EventType:     EventRateLimited,
		Method:        method,
		URL:           url,
		Hostname:      hostname,
		Port:          port,
		Protocol:      protocol,
		RuleMatched:   RuleRateLimited,
		BlockedReason: reason,
	}
}

// CredentialLeak builds an entry for a request blocked by content
// inspection. patterns carries the names of the matched patterns only.
func CredentialLeak(method, url, hostname string, port int, protocol string, patterns []string) Entry {
	return Entry{
		Timestamp:          now(),
		EventType:          EventCredentialLeak,
		Method:             method,
		URL:                url,
		Hostname:           hostname,
		Port:               port,
		Protocol:           protocol,
		RuleMatched:        RuleCredentialLeak,
		BlockedReason:      "Credential pattern detected in outbound payload",
		CredentialPatterns: patterns,
	}
}

// Failure builds an entry for an upstream or internal error.
func Failure(method, url, hostname string, port int, protocol, reason string) Entry {
	return Entry{
		Timestamp:     now(),
		EventType:     EventError,
		Method:        method,
		URL:           url,
		Hostname:      hostname,
		Port:          port,
		Protocol:      protocol,
		BlockedReason: reason,
	}
}
