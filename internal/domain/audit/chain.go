package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the prev_hash of the first entry in a log file.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalJSON serializes the entry's declared fields with keys sorted
// and no extraneous whitespace, excluding entry_hash and hmac_sig. Go's
// encoding/json sorts map keys, which gives the stable ordering; number
// formatting is whatever encoding/json produces, applied identically at
// append and verify time.
func canonicalJSON(e Entry) ([]byte, error) {
	patterns := e.CredentialPatterns
	if patterns == nil {
		patterns = []string{}
	}
	fields := map[string]any{
		"timestamp":           e.Timestamp,
		"event_type":          e.EventType,
		"method":              e.Method,
		"url":                 e.URL,
		"hostname":            e.Hostname,
		"port":                e.Port,
		"protocol":            e.Protocol,
		"status_code":         e.StatusCode,
		"request_size":        e.RequestSize,
		"response_size":       e.ResponseSize,
		"duration_ms":         e.DurationMS,
		"rule_matched":        e.RuleMatched,
		"blocked_reason":      e.BlockedReason,
		"credential_patterns": patterns,
		"client_ip":           e.ClientIP,
		"prev_hash":           e.PrevHash,
	}
	return json.Marshal(fields)
}

// ComputeHash returns the SHA-256 hex digest of the entry's canonical
// serialization. PrevHash must already be set; EntryHash and HMACSig are
// excluded from the digest.
func (e Entry) ComputeHash() (string, error) {
	data, err := canonicalJSON(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeHMAC returns the HMAC-SHA-256 hex signature of EntryHash under
// the given key. The key is held by the host application and never
// written next to the log.
func (e Entry) ComputeHMAC(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.EntryHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal fills PrevHash, EntryHash, and HMACSig, linking the entry to the
// previous one in the chain.
func (e *Entry) Seal(prevHash string, key []byte) error {
	e.PrevHash = prevHash
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EntryHash = h
	e.HMACSig = e.ComputeHMAC(key)
	return nil
}

// VerifyAgainst re-derives the entry's hash and signature and checks them
// against the stored values and the expected predecessor hash. It returns
// a descriptive error on the first mismatch.
func (e Entry) VerifyAgainst(expectedPrev string, key []byte) error {
	if e.PrevHash != expectedPrev {
		return fmt.Errorf("chain break: prev_hash %.12s does not match previous entry %.12s",
			e.PrevHash, expectedPrev)
	}
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	if e.EntryHash != h {
		return fmt.Errorf("entry_hash mismatch: stored %.12s, derived %.12s", e.EntryHash, h)
	}
	if !hmac.Equal([]byte(e.HMACSig), []byte(e.ComputeHMAC(key))) {
		return fmt.Errorf("hmac_sig mismatch for entry %.12s", e.EntryHash)
	}
	return nil
}
