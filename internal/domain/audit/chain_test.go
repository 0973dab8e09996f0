package audit

import (
	"strings"
	"testing"
)

var testKey = []byte("test-key-for-audit-chain-0123456789abcdef")

func TestComputeHash_Deterministic(t *testing.T) {
	e := Allowed("GET", "https://api.openai.com/v1/models", "api.openai.com", 443, "https", "api.openai.com")
	e.Timestamp = 1000.0
	e.PrevHash = GenesisHash

	h1, err := e.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := e.ComputeHash()
	if h1 != h2 {
		t.Error("hash must be deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestComputeHash_ChangesWithData(t *testing.T) {
	e1 := Blocked("GET", "http://evil.example.com/", "evil.example.com", 80, "http", "Domain not whitelisted")
	e1.Timestamp = 1000.0
	e1.PrevHash = GenesisHash
	e2 := e1
	e2.Hostname = "other.example.com"

	h1, _ := e1.ComputeHash()
	h2, _ := e2.ComputeHash()
	if h1 == h2 {
		t.Error("different entries must hash differently")
	}
}

func TestComputeHash_ExcludesSealFields(t *testing.T) {
	e := Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")
	e.Timestamp = 1000.0
	e.PrevHash = GenesisHash

	h1, _ := e.ComputeHash()
	e.EntryHash = strings.Repeat("f", 64)
	e.HMACSig = strings.Repeat("f", 64)
	h2, _ := e.ComputeHash()
	if h1 != h2 {
		t.Error("entry_hash and hmac_sig must not affect the digest")
	}
}

func TestComputeHMAC_KeyDependent(t *testing.T) {
	e := Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")
	e.EntryHash, _ = e.ComputeHash()

	sig1 := e.ComputeHMAC([]byte("key1"))
	sig2 := e.ComputeHMAC([]byte("key2"))
	if sig1 == sig2 {
		t.Error("different keys must produce different signatures")
	}
	if len(sig1) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig1))
	}
}

func TestSealAndVerify(t *testing.T) {
	e := CredentialLeak("POST", "https://api.github.com/ingest", "api.github.com", 443, "https",
		[]string{"aws_access_key"})
	e.Timestamp = 1234.5

	if err := e.Seal(GenesisHash, testKey); err != nil {
		t.Fatal(err)
	}
	if err := e.VerifyAgainst(GenesisHash, testKey); err != nil {
		t.Errorf("sealed entry must verify: %v", err)
	}
}

func TestVerifyAgainst_DetectsTampering(t *testing.T) {
	e := Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")
	e.Timestamp = 1234.5
	if err := e.Seal(GenesisHash, testKey); err != nil {
		t.Fatal(err)
	}

	tamperedHash := e
	tamperedHash.EntryHash = strings.Repeat("0", 64)
	if err := tamperedHash.VerifyAgainst(GenesisHash, testKey); err == nil {
		t.Error("tampered entry_hash must fail verification")
	}

	tamperedField := e
	tamperedField.URL = "https://y.com/"
	if err := tamperedField.VerifyAgainst(GenesisHash, testKey); err == nil {
		t.Error("tampered field must fail verification")
	}

	tamperedSig := e
	tamperedSig.HMACSig = strings.Repeat("f", 64)
	if err := tamperedSig.VerifyAgainst(GenesisHash, testKey); err == nil {
		t.Error("tampered hmac_sig must fail verification")
	}

	if err := e.VerifyAgainst(strings.Repeat("a", 64), testKey); err == nil {
		t.Error("wrong predecessor must fail verification")
	}
	if err := e.VerifyAgainst(GenesisHash, []byte("wrong-key")); err == nil {
		t.Error("wrong key must fail verification")
	}
}

func TestConstructors_SetMarkers(t *testing.T) {
	b := Blocked("POST", "https://evil.com/", "evil.com", 443, "https", "Domain not whitelisted")
	if b.EventType != EventBlocked || b.RuleMatched != RuleBlocked {
		t.Errorf("blocked markers wrong: %s/%s", b.EventType, b.RuleMatched)
	}

	r := RateLimited("GET", "https://x.com/", "x.com", 443, "https", "Global rate limit exceeded")
	if r.EventType != EventRateLimited || r.RuleMatched != RuleRateLimited {
		t.Errorf("rate limited markers wrong: %s/%s", r.EventType, r.RuleMatched)
	}

	c := CredentialLeak("POST", "https://x.com/", "x.com", 443, "https", []string{"github_token"})
	if c.EventType != EventCredentialLeak || c.RuleMatched != RuleCredentialLeak {
		t.Errorf("credential leak markers wrong: %s/%s", c.EventType, c.RuleMatched)
	}
	if len(c.CredentialPatterns) != 1 || c.CredentialPatterns[0] != "github_token" {
		t.Errorf("credential patterns = %v", c.CredentialPatterns)
	}

	f := Failure("GET", "https://x.com/", "x.com", 443, "https", "upstream unreachable")
	if f.EventType != EventError {
		t.Errorf("failure event type = %s", f.EventType)
	}
}
