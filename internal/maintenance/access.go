package maintenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/escale/escale/internal/protocol"
)

// Modifiers is the decoded form of the access modifier syntax of spec §6:
// a read mode and a write mode, each one of "allow", "deny", or "gated".
type Modifiers struct {
	Read  string
	Write string
}

// ParseModifiers parses a modifier string like "r w?" into its read/write
// components. Missing components default to "allow".
func ParseModifiers(s string) (Modifiers, error) {
	m := Modifiers{Read: "allow", Write: "allow"}
	for _, tok := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(tok, "r"):
			mode, err := modeFromSigil(tok[1:])
			if err != nil {
				return Modifiers{}, fmt.Errorf("access modifier %q: %w", tok, err)
			}
			m.Read = mode
		case strings.HasPrefix(tok, "w"):
			mode, err := modeFromSigil(tok[1:])
			if err != nil {
				return Modifiers{}, fmt.Errorf("access modifier %q: %w", tok, err)
			}
			m.Write = mode
		default:
			return Modifiers{}, fmt.Errorf("access modifier %q: unrecognized kind", tok)
		}
	}
	return m, nil
}

func modeFromSigil(sigil string) (string, error) {
	switch sigil {
	case "":
		return "allow", nil
	case "-":
		return "deny", nil
	case "?":
		return "gated", nil
	default:
		return "", fmt.Errorf("unknown sigil %q", sigil)
	}
}

// String renders Modifiers back to the §6 syntax, e.g. "r w?".
func (m Modifiers) String() string {
	return sigilFor("r", m.Read) + " " + sigilFor("w", m.Write)
}

func sigilFor(kind, mode string) string {
	switch mode {
	case "deny":
		return kind + "-"
	case "gated":
		return kind + "?"
	default:
		return kind
	}
}

// SetAccess writes modifiers into logicalPath's placeholder flags and
// advertises the change to every peer pseudonym, via an access_grant
// message (spec §4.8 "Access": "modifications are advertised via a
// message to affected peers").
func SetAccess(ctx context.Context, store *protocol.PlaceholderStore, messenger *protocol.Messenger, logicalPath string, m Modifiers, peers []string) error {
	p, ok, err := store.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	if !ok {
		p = protocol.Placeholder{}
	}

	p.Flags = setFlag(setFlag(p.Flags, "read:"), "write:")
	p.Flags = replaceFlag(p.Flags, "read:", m.Read)
	p.Flags = replaceFlag(p.Flags, "write:", m.Write)

	if err := store.Put(ctx, logicalPath, p); err != nil {
		return err
	}

	for _, peer := range peers {
		if err := messenger.Send(ctx, logicalPath, peer, protocol.KindAccessGrant, m.String()); err != nil {
			return err
		}
	}
	return nil
}

func setFlag(flags []string, prefix string) []string {
	out := make([]string, 0, len(flags)+1)
	for _, f := range flags {
		if !strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return append(out, prefix)
}

func replaceFlag(flags []string, prefix, value string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			out = append(out, prefix+value)
		} else {
			out = append(out, f)
		}
	}
	return out
}
