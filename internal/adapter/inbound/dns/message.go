// Package dns implements the DNS filter: a UDP resolver that answers
// NXDOMAIN for any name outside the egress whitelist and forwards allowed
// queries to an upstream resolver. It is the second, independent
// enforcement layer -- code inside the sandbox that bypasses the HTTP
// proxy still cannot resolve a non-whitelisted name.
package dns

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Wire-format constants.
const (
	headerSize = 12
	maxPacket  = 512

	// Response flags: QR=1, AA=1, RD=1, RA=1 plus the RCODE in the low bits.
	flagsNXDomain = 0x8583 // RCODE=3
	flagsServFail = 0x8582 // RCODE=2
)

var (
	errShortPacket = errors.New("dns: packet shorter than header")
	errBadName     = errors.New("dns: malformed question name")
)

// parseName extracts the domain name starting at offset, following
// standard compression pointers. It returns the dotted name (no trailing
// dot) and the offset just past the name in the original read position.
func parseName(data []byte, offset int) (string, int, error) {
	var labels []string
	jumped := false
	jumpOffset := 0
	// Bound pointer chases so a pointer loop cannot hang the worker.
	for hops := 0; ; hops++ {
		if hops > 32 || offset >= len(data) {
			return "", 0, errBadName
		}
		length := int(data[offset])

		// Compression pointer: top two bits set.
		if length&0xC0 == 0xC0 {
			if offset+1 >= len(data) {
				return "", 0, errBadName
			}
			if !jumped {
				jumpOffset = offset + 2
			}
			offset = int(binary.BigEndian.Uint16(data[offset:offset+2]) & 0x3FFF)
			jumped = true
			continue
		}

		if length == 0 {
			offset++
			break
		}

		offset++
		if offset+length > len(data) {
			return "", 0, errBadName
		}
		labels = append(labels, string(data[offset:offset+length]))
		offset += length
	}

	final := offset
	if jumped {
		final = jumpOffset
	}
	return strings.Join(labels, "."), final, nil
}

// questionName returns the query's question name, lowercased with the
// trailing dot normalized away.
func questionName(query []byte) (string, error) {
	if len(query) < headerSize {
		return "", errShortPacket
	}
	name, _, err := parseName(query, headerSize)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSuffix(name, ".")), nil
}

// synthesizeResponse builds a response from the original query: same
// transaction id and question section, the given flags, and zero
// answer/authority/additional counts.
func synthesizeResponse(query []byte, flags uint16) []byte {
	if len(query) < headerSize {
		return nil
	}

	resp := make([]byte, 0, len(query))
	resp = append(resp, query[0], query[1]) // transaction id
	resp = binary.BigEndian.AppendUint16(resp, flags)
	resp = append(resp, query[4], query[5])  // QDCOUNT from the query
	resp = binary.BigEndian.AppendUint16(resp, 0) // ANCOUNT
	resp = binary.BigEndian.AppendUint16(resp, 0) // NSCOUNT
	resp = binary.BigEndian.AppendUint16(resp, 0) // ARCOUNT
	resp = append(resp, query[headerSize:]...)    // question section
	return resp
}

// nxdomainResponse answers a blocked name.
func nxdomainResponse(query []byte) []byte {
	return synthesizeResponse(query, flagsNXDomain)
}

// servfailResponse answers an allowed name whose upstream lookups all
// failed.
func servfailResponse(query []byte) []byte {
	return synthesizeResponse(query, flagsServFail)
}
