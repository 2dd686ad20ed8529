package protocol

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// cacheSize bounds the per-scan memoization of placeholder reads. Sized
// generously relative to a typical repository's active path count; a miss
// just costs one extra relay round-trip.
const cacheSize = 4096

// PlaceholderStore reads and writes placeholder blobs. Within one
// scheduler scan, repeated lookups for the same path are served from an
// in-memory LRU cache (invalidated at the start of every scan via Reset)
// to cut down on relay round-trips, as SPEC_FULL.md's protocol expansion
// describes.
type PlaceholderStore struct {
	Relay      relay.Relay
	MaxNameLen int

	cache *lru.Cache[string, Placeholder]
}

func (s *PlaceholderStore) lazyCache() *lru.Cache[string, Placeholder] {
	if s.cache == nil {
		c, _ := lru.New[string, Placeholder](cacheSize)
		s.cache = c
	}
	return s.cache
}

// Reset clears the memoization cache; call at the start of every scan.
func (s *PlaceholderStore) Reset() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Get returns the placeholder for logicalPath, or (Placeholder{}, false,
// nil) if none exists.
func (s *PlaceholderStore) Get(ctx context.Context, logicalPath string) (Placeholder, bool, error) {
	if p, ok := s.lazyCache().Get(logicalPath); ok {
		return p, true, nil
	}

	name := relayname.Placeholder(logicalPath, s.MaxNameLen)
	exists, err := s.Relay.Exists(ctx, name)
	if err != nil {
		return Placeholder{}, false, fmt.Errorf("%w: %v", errs.ErrRelayTransient, err)
	}
	if !exists {
		return Placeholder{}, false, nil
	}
	data, err := s.Relay.Get(ctx, name)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Placeholder{}, false, nil
		}
		return Placeholder{}, false, fmt.Errorf("%w: %v", errs.ErrRelayTransient, err)
	}
	p := DecodePlaceholder(data)
	s.lazyCache().Add(logicalPath, p)
	return p, true, nil
}

// Put writes (or overwrites) the placeholder for logicalPath. Per I3,
// callers must ensure p.Version is strictly greater than any version this
// client has previously written for logicalPath.
func (s *PlaceholderStore) Put(ctx context.Context, logicalPath string, p Placeholder) error {
	name := relayname.Placeholder(logicalPath, s.MaxNameLen)
	if err := s.Relay.Put(ctx, name, EncodePlaceholder(p)); err != nil {
		return fmt.Errorf("%w: put placeholder: %v", errs.ErrRelayTransient, err)
	}
	s.lazyCache().Add(logicalPath, p)
	return nil
}

// MarkConsumed rewrites the placeholder to the "consumed" state,
// preserving version and digest but clearing the sender (spec §4.3
// "Retain-history mode").
func (s *PlaceholderStore) MarkConsumed(ctx context.Context, logicalPath string, p Placeholder) error {
	p.Sender = ""
	return s.Put(ctx, logicalPath, p)
}

// Delete removes the placeholder (spec's "one-shot" mode: the placeholder
// is deleted after a successful pull).
func (s *PlaceholderStore) Delete(ctx context.Context, logicalPath string) error {
	name := relayname.Placeholder(logicalPath, s.MaxNameLen)
	if err := s.Relay.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: delete placeholder: %v", errs.ErrRelayTransient, err)
	}
	s.lazyCache().Remove(logicalPath)
	return nil
}
