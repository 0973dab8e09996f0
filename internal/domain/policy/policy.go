package policy

import (
	"errors"
	"sync/atomic"
)

// Sentinel errors for the three policy violation kinds. They carry no
// hostname. The proxy handler builds its own block reasons and HTTP
// statuses and does not return or map these.
var (
	// ErrNotWhitelisted means no rule matched the hostname.
	ErrNotWhitelisted = errors.New("domain not whitelisted")
	// ErrWriteNotAllowed means a state-changing method hit a read-only rule.
	ErrWriteNotAllowed = errors.New("write operations not allowed (read-only domain)")
	// ErrProtocolNotAllowed means the scheme is not permitted for the domain.
	ErrProtocolNotAllowed = errors.New("protocol not allowed for domain")
)

// Per-rule-class rate limits, requests per minute.
const (
	llmRateLimitRPM      = 600
	searchRateLimitRPM   = 300
	googleRateLimitRPM   = 120
	researchRateLimitRPM = 60
	// DefaultRateLimitRPM applies to user rules that do not set their own.
	DefaultRateLimitRPM = 60
)

// Policy is the fully resolved whitelist presented to enforcement. It is
// immutable after construction; Resolve builds a fresh one on every load.
type Policy struct {
	// UserWhitelist holds the user-configured rules (additive only).
	UserWhitelist []DomainRule
	// AllowedGoogleServices are the Google API hostnames the user enabled,
	// already validated against the GoogleServices catalog.
	AllowedGoogleServices []string
	// ResearchDomains are user-added GET-only browsing hostnames.
	ResearchDomains []string

	// ProxyHost and ProxyPort are the egress proxy bind address.
	ProxyHost string
	ProxyPort int
	// GlobalRateLimitRPM caps requests per minute across all domains.
	GlobalRateLimitRPM int
	// ContentInspection enables credential scanning of outbound bodies.
	ContentInspection bool
	// MaxBodySize is the inspection cutoff in bytes.
	MaxBodySize int64
	// DNSFiltering enables the DNS filter layer.
	DNSFiltering bool
	// AuditLogPath is the host-side audit log location.
	AuditLogPath string
	// Enforce controls whether violations are blocked (true) or only
	// logged (false, staging posture). Must be surfaced in any status view.
	Enforce bool

	// resolved is the merged rule list, computed once at construction.
	resolved []DomainRule
}

// Resolve finalizes the policy by merging hardcoded and user rules.
// It must be called once after the struct fields are populated; lookups
// on an unresolved Policy see only an empty whitelist.
func (p *Policy) Resolve() {
	rules := make([]DomainRule, 0,
		len(LLMDomains)+len(SearchAPIDomains)+len(p.AllowedGoogleServices)+
			len(p.ResearchDomains)+len(p.UserWhitelist))

	for _, d := range LLMDomains {
		protocols := []string{"https"}
		if isLoopback(d) {
			protocols = []string{"http", "https"}
		}
		rules = append(rules, DomainRule{
			Domain:       d,
			AllowWrite:   true,
			Protocols:    protocols,
			RateLimitRPM: llmRateLimitRPM,
			AddedBy:      AddedBySystem,
			Description:  "Hardcoded LLM endpoint (non-removable)",
		})
	}

	for _, d := range SearchAPIDomains {
		rules = append(rules, DomainRule{
			Domain:       d,
			AllowWrite:   true, // search APIs use POST for queries
			Protocols:    []string{"https"},
			RateLimitRPM: searchRateLimitRPM,
			AddedBy:      AddedBySystem,
			Description:  "Search API endpoint (auto-allowed)",
		})
	}

	for _, d := range p.AllowedGoogleServices {
		svc, ok := GoogleServices[d]
		if !ok {
			continue
		}
		rules = append(rules, DomainRule{
			Domain:       d,
			AllowWrite:   false, // read-only; user can upgrade via whitelist
			Protocols:    []string{"https"},
			RateLimitRPM: googleRateLimitRPM,
			AddedBy:      AddedByUser,
			Description:  "Google service (user-enabled): " + svc.Name,
		})
	}

	for _, d := range p.ResearchDomains {
		rules = append(rules, DomainRule{
			Domain:       d,
			AllowWrite:   false, // GET-only browsing
			Protocols:    []string{"https"},
			RateLimitRPM: researchRateLimitRPM,
			AddedBy:      AddedByUser,
			Description:  "Research domain (GET-only browsing)",
		})
	}

	rules = append(rules, p.UserWhitelist...)
	p.resolved = rules
}

// AllRules returns the merged rule list: hardcoded LLM rules, search API
// rules, user-enabled Google services, research domains, then the user
// whitelist. Hardcoded rules come first so they win lookups.
func (p *Policy) AllRules() []DomainRule {
	return p.resolved
}

// Match returns the first rule covering hostname, or nil if none does.
func (p *Policy) Match(hostname string) *DomainRule {
	for i := range p.resolved {
		if p.resolved[i].Matches(hostname) {
			return &p.resolved[i]
		}
	}
	return nil
}

// IsWriteAllowed reports whether state-changing methods are permitted for
// hostname. Unmatched hostnames are never write-allowed.
func (p *Policy) IsWriteAllowed(hostname string) bool {
	rule := p.Match(hostname)
	return rule != nil && rule.AllowWrite
}

// IsProtocolAllowed reports whether the scheme is permitted for hostname.
func (p *Policy) IsProtocolAllowed(hostname, protocol string) bool {
	rule := p.Match(hostname)
	return rule != nil && rule.AllowsProtocol(protocol)
}

// SystemRuleCount returns how many rules are hardcoded (non-user).
func (p *Policy) SystemRuleCount() int {
	n := 0
	for _, r := range p.resolved {
		if r.AddedBy == AddedBySystem {
			n++
		}
	}
	return n
}

// Provider hands the current Policy snapshot to enforcement components.
// Reads are lock-free; Replace atomically swaps the snapshot so a reload
// never produces a half-updated view.
type Provider struct {
	current atomic.Pointer[Policy]
}

// NewProvider creates a Provider seeded with the given snapshot.
func NewProvider(p *Policy) *Provider {
	pr := &Provider{}
	pr.current.Store(p)
	return pr
}

// Current returns the active Policy snapshot.
func (pr *Provider) Current() *Policy {
	return pr.current.Load()
}

// Replace installs a new snapshot. In-flight requests keep the snapshot
// they started with.
func (pr *Provider) Replace(p *Policy) {
	pr.current.Store(p)
}
