package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	domain "github.com/orion-agent/aegis/internal/domain/audit"
)

var testKey = []byte("file-store-test-key-0123456789abcdef0123")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "egress_audit.log")
	s, err := NewFileStore(path, testKey, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestAppend_CreatesFileAndWritesJSONL(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Append(domain.Allowed("GET", "https://api.openai.com/v1/models", "api.openai.com", 443, "https", "api.openai.com")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(domain.Blocked("GET", "http://evil.example.com/", "evil.example.com", 80, "http", "Domain not whitelisted")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("line count = %d, want 2", len(lines))
	}
	for i, line := range lines {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %d not JSON: %v", i, err)
		}
		for _, field := range []string{"entry_hash", "hmac_sig", "prev_hash", "event_type", "hostname"} {
			if _, ok := m[field]; !ok {
				t.Errorf("line %d missing %s", i, field)
			}
		}
	}
}

func TestAppend_FirstEntryHasGenesisPrev(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var e domain.Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &e); err != nil {
		t.Fatal(err)
	}
	if e.PrevHash != domain.GenesisHash {
		t.Errorf("prev_hash = %s, want genesis", e.PrevHash)
	}
}

func TestAppend_ChainLinks(t *testing.T) {
	s, path := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")); err != nil {
			t.Fatal(err)
		}
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var prev domain.Entry
	for i, line := range lines {
		var e domain.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatal(err)
		}
		if i > 0 && e.PrevHash != prev.EntryHash {
			t.Errorf("entry %d prev_hash does not link to predecessor", i)
		}
		prev = e
	}
}

func TestVerify_EmptyFile(t *testing.T) {
	s, _ := newTestStore(t)
	ok, count, err := s.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || count != 0 {
		t.Errorf("Verify on empty = (%v, %d), want (true, 0)", ok, count)
	}
}

func TestVerify_ValidChain(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")); err != nil {
			t.Fatal(err)
		}
		// Verify holds after every successful append.
		ok, count, err := s.Verify()
		if err != nil {
			t.Fatal(err)
		}
		if !ok || count != i+1 {
			t.Fatalf("after append %d: Verify = (%v, %d)", i+1, ok, count)
		}
	}
}

// tamperLine rewrites line idx of the log through fn.
func tamperLine(t *testing.T, path string, idx int, fn func(map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[idx]), &m); err != nil {
		t.Fatal(err)
	}
	fn(m)
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	lines[idx] = string(raw)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestVerify_DetectsTamperedEntryHash(t *testing.T) {
	s, path := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")); err != nil {
			t.Fatal(err)
		}
	}

	// Flip a character of the middle entry's entry_hash on disk.
	tamperLine(t, path, 1, func(m map[string]any) {
		h := m["entry_hash"].(string)
		flipped := "0"
		if h[0] == '0' {
			flipped = "1"
		}
		m["entry_hash"] = flipped + h[1:]
	})

	ok, _, _ := s.Verify()
	if ok {
		t.Error("tampered entry_hash must fail Verify")
	}
}

func TestVerify_DetectsTamperedField(t *testing.T) {
	s, path := newTestStore(t)
	_ = s.Append(domain.Blocked("POST", "https://evil.com/", "evil.com", 443, "https", "Domain not whitelisted"))

	tamperLine(t, path, 0, func(m map[string]any) {
		m["hostname"] = "innocent.com"
	})

	ok, _, _ := s.Verify()
	if ok {
		t.Error("tampered field must fail Verify")
	}
}

func TestVerify_DetectsBrokenChain(t *testing.T) {
	s, path := newTestStore(t)
	for i := 0; i < 2; i++ {
		_ = s.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com"))
	}

	tamperLine(t, path, 1, func(m map[string]any) {
		m["prev_hash"] = strings.Repeat("a", 64)
	})

	ok, _, _ := s.Verify()
	if ok {
		t.Error("broken chain must fail Verify")
	}
}

func TestChain_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egress_audit.log")

	s1, err := NewFileStore(path, testKey, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Append(domain.Allowed("GET", "https://x.com/", "x.com", 443, "https", "x.com")); err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := NewFileStore(path, testKey, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	if err := s2.Append(domain.Allowed("GET", "https://y.com/", "y.com", 443, "https", "y.com")); err != nil {
		t.Fatal(err)
	}

	ok, count, err := s2.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || count != 2 {
		t.Errorf("cross-instance chain = (%v, %d), want (true, 2)", ok, count)
	}
}

func TestReadRecent(t *testing.T) {
	s, _ := newTestStore(t)

	if entries, err := s.ReadRecent(10); err != nil || len(entries) != 0 {
		t.Errorf("ReadRecent on empty = (%v, %v), want ([], nil)", entries, err)
	}

	hosts := []string{"a.com", "b.com", "c.com"}
	for _, h := range hosts {
		_ = s.Append(domain.Allowed("GET", "https://"+h+"/", h, 443, "https", h))
	}

	entries, err := s.ReadRecent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Hostname != "c.com" || entries[1].Hostname != "b.com" {
		t.Errorf("order wrong: %s, %s", entries[0].Hostname, entries[1].Hostname)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Append(domain.Allowed("GET", "https://a.com/", "a.com", 443, "https", "a.com"))
	_ = s.Append(domain.Blocked("GET", "http://b.com/", "b.com", 80, "http", "Domain not whitelisted"))
	_ = s.Append(domain.RateLimited("GET", "https://a.com/", "a.com", 443, "https", "limit"))
	_ = s.Append(domain.CredentialLeak("POST", "https://c.com/", "c.com", 443, "https", []string{"aws_access_key"}))

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRequests != 4 || st.Allowed != 1 || st.Blocked != 1 || st.RateLimited != 1 || st.CredentialLeaks != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.UniqueDomains != 3 {
		t.Errorf("unique domains = %d, want 3", st.UniqueDomains)
	}
}

func TestAppend_RequiresKey(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "a.log"), nil, testLogger())
	if err == nil {
		t.Error("empty HMAC key must be rejected")
	}
}
