package protocol

import (
	"strings"
	"time"
)

// Placeholder is the decoded body of a `<path>.placeholder` blob (spec §3
// "Placeholder" and §6 "Placeholder blob format"): the most recent sender,
// a monotonically increasing version counter, and a content digest.
//
// A Placeholder with an empty Digest is a tombstone, whatever its
// Version: it signals a deletion (spec "Placeholder tombstone").
// A Placeholder whose Sender is empty is in the "consumed" state: the
// receiver has pulled the payload and the record is retained only to
// preserve version continuity (spec "Retain-history mode").
type Placeholder struct {
	Sender    string
	Version   uint64
	Digest    string
	Timestamp time.Time
	Flags     []string
}

var placeholderFieldOrder = []string{"sender", "version", "digest", "timestamp", "flags"}

// IsTombstone reports whether this placeholder signals a deletion.
func (p Placeholder) IsTombstone() bool {
	return p.Digest == ""
}

// IsConsumed reports whether this placeholder is in the "reader has
// pulled it" state.
func (p Placeholder) IsConsumed() bool {
	return p.Sender == ""
}

// HasFlag reports whether flag is set on the placeholder (used for access
// modifier signalling, spec §4.8 "Access").
func (p Placeholder) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AccessMode returns the access mode ("allow", "deny", or "gated") that
// maintenance.SetAccess last recorded for kind ("read" or "write") in this
// placeholder's flags. A placeholder with no matching flag defaults to
// "allow", matching an unconfigured path.
func (p Placeholder) AccessMode(kind string) string {
	prefix := kind + ":"
	for _, f := range p.Flags {
		if mode, ok := strings.CutPrefix(f, prefix); ok {
			return mode
		}
	}
	return "allow"
}

// EncodePlaceholder serializes a Placeholder to its on-relay text form.
func EncodePlaceholder(p Placeholder) []byte {
	r := make(record)
	r["sender"] = p.Sender
	putUint64(r, "version", p.Version)
	r["digest"] = p.Digest
	if !p.Timestamp.IsZero() {
		putTime(r, "timestamp", p.Timestamp)
	}
	if len(p.Flags) > 0 {
		r["flags"] = strings.Join(p.Flags, ",")
	}
	return r.encode(placeholderFieldOrder)
}

// DecodePlaceholder parses a placeholder blob body. Unknown keys are
// ignored per spec §6; a body missing every known key still decodes to
// the zero Placeholder rather than erroring, since a placeholder may be
// extended by future versions of a writer.
func DecodePlaceholder(data []byte) Placeholder {
	r := decodeRecord(data)
	p := Placeholder{
		Sender:    r["sender"],
		Version:   r.getUint64("version"),
		Digest:    r["digest"],
		Timestamp: r.getTime("timestamp"),
	}
	if flags, ok := r["flags"]; ok && flags != "" {
		p.Flags = strings.Split(flags, ",")
	}
	return p
}
