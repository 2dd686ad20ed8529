// Package relayname maps LogicalPaths to RelayNames: the blob names the
// relay adapter actually sees. It owns escaping, category suffixes, and
// the bucketed fallback for names that would exceed the backend's maximum
// length.
package relayname

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

const (
	// SuffixPlaceholder marks a placeholder blob for a logical path.
	SuffixPlaceholder = ".placeholder"
	// SuffixLock marks a lock blob for a logical path.
	SuffixLock = ".lock"
	// PrefixMessage marks an addressed message blob; the full suffix is
	// ".message.<recipient>".
	PrefixMessage = ".message."
	// PrefixTemp marks an in-flight upload; the full suffix is
	// ".tmp.<nonce>".
	PrefixTemp = ".tmp."
)

// reservedSuffixes lists every category suffix a LogicalPath must not
// already end with (spec §4.2 "Reserved").
var reservedSuffixes = []string{SuffixPlaceholder, SuffixLock}

// escapeTable drives Escape; Unescape reverses it to rebuild a LogicalPath
// from a RelayName. Characters forbidden on common backends (FTP/WebDAV/S3
// key restrictions) are mapped to a 3-character escape sequence; '%' itself
// is escaped too, so an escape sequence cannot occur in the escaped form of
// a path by accident and the mapping is unambiguous.
var escapeTable = map[rune]string{
	'%':  "%25",
	'\\': "%5c",
	':':  "%3a",
	'*':  "%2a",
	'?':  "%3f",
	'"':  "%22",
	'<':  "%3c",
	'>':  "%3e",
	'|':  "%7c",
}

// MaxNameLength is the default maximum RelayName length before a path is
// bucketed. Configurable per repository; this is the fallback.
const MaxNameLength = 200

// IsReserved reports whether a LogicalPath conflicts with a category
// suffix and must be rejected at scan time.
func IsReserved(logicalPath string) bool {
	for _, suf := range reservedSuffixes {
		if strings.HasSuffix(logicalPath, suf) {
			return true
		}
	}
	if strings.Contains(logicalPath, PrefixMessage) || strings.Contains(logicalPath, PrefixTemp) {
		return true
	}
	return false
}

// Escape makes logicalPath safe to use verbatim as (part of) a RelayName
// by replacing backend-forbidden characters with a reversible escape
// sequence. The result never equals the forbidden characters literally.
func Escape(logicalPath string) string {
	var b strings.Builder
	for _, r := range logicalPath {
		if esc, ok := escapeTable[r]; ok {
			b.WriteString(esc)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(escaped string) string {
	r := strings.NewReplacer(
		"%25", "%",
		"%5c", "\\",
		"%3a", ":",
		"%2a", "*",
		"%3f", "?",
		"%22", "\"",
		"%3c", "<",
		"%3e", ">",
		"%7c", "|",
	)
	return r.Replace(escaped)
}

// Payload returns the RelayName for the payload blob of logicalPath.
func Payload(logicalPath string, maxLen int) string {
	return bucketIfNeeded(Escape(logicalPath), maxLen)
}

// Placeholder returns the RelayName for the placeholder blob.
func Placeholder(logicalPath string, maxLen int) string {
	return bucketIfNeeded(Escape(logicalPath), maxLen) + SuffixPlaceholder
}

// Lock returns the RelayName for the lock blob.
func Lock(logicalPath string, maxLen int) string {
	return bucketIfNeeded(Escape(logicalPath), maxLen) + SuffixLock
}

// Message returns the RelayName for a message blob addressed to recipient.
func Message(logicalPath, recipient string, maxLen int) string {
	return bucketIfNeeded(Escape(logicalPath), maxLen) + PrefixMessage + recipient
}

// Temp returns the RelayName for an in-flight upload under a fresh nonce.
func Temp(logicalPath, nonce string, maxLen int) string {
	return bucketIfNeeded(Escape(logicalPath), maxLen) + PrefixTemp + nonce
}

// bucketIfNeeded hashes an over-length escaped name into a 2-level
// bucketed name (spec §4.2). The caller is responsible for recording the
// bucket -> LogicalPath mapping in the index side table; this function is
// pure and deterministic.
func bucketIfNeeded(escaped string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = MaxNameLength
	}
	if len(escaped) <= maxLen {
		return escaped
	}
	sum := sha256.Sum256([]byte(escaped))
	h := hex.EncodeToString(sum[:])
	return path.Join("_b", h[:2], h[2:])
}

// BucketName is an alias kept for readability at call sites that only
// care about whether bucketing changed the name.
func BucketName(logicalPath string, maxLen int) (name string, bucketed bool) {
	escaped := Escape(logicalPath)
	name = bucketIfNeeded(escaped, maxLen)
	return name, name != escaped
}

// FromPayload recovers the escaped LogicalPath component from a payload
// RelayName (used by list scans, which never see bucketed names directly
// resolved — those are resolved via the index side table instead).
func FromPayload(relayName string) string {
	return Unescape(relayName)
}

// SplitCategory inspects a RelayName and reports which category it
// belongs to, returning the escaped LogicalPath and (for messages) the
// recipient pseudonym.
func SplitCategory(relayName string) (category string, escapedPath string, extra string) {
	switch {
	case strings.HasSuffix(relayName, SuffixPlaceholder):
		return "placeholder", strings.TrimSuffix(relayName, SuffixPlaceholder), ""
	case strings.HasSuffix(relayName, SuffixLock):
		return "lock", strings.TrimSuffix(relayName, SuffixLock), ""
	default:
		if i := strings.Index(relayName, PrefixMessage); i >= 0 {
			return "message", relayName[:i], relayName[i+len(PrefixMessage):]
		}
		if i := strings.Index(relayName, PrefixTemp); i >= 0 {
			return "temp", relayName[:i], relayName[i+len(PrefixTemp):]
		}
		return "payload", relayName, ""
	}
}

// ValidationError is returned by IsReserved callers that want a formatted
// complaint instead of a bare bool.
func ValidationError(logicalPath string) error {
	if IsReserved(logicalPath) {
		return fmt.Errorf("logical path %q collides with a reserved relay-name suffix", logicalPath)
	}
	return nil
}
