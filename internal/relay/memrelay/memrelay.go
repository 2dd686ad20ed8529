// Package memrelay is an in-memory Relay used by unit and property tests
// (spec §8, P1-P8). It never exposes partial writes: Put installs the full
// byte slice under a single map write while holding its mutex, so the
// atomicity guarantee of the contract holds by construction.
package memrelay

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
)

type blob struct {
	data  []byte
	mtime time.Time
}

// Relay is an in-memory implementation of relay.Relay.
type Relay struct {
	mu    sync.Mutex
	blobs map[string]blob
	now   func() time.Time
}

// New creates an empty in-memory relay. If clock is nil, time.Now is used.
func New(clock func() time.Time) *Relay {
	if clock == nil {
		clock = time.Now
	}
	return &Relay{blobs: make(map[string]blob), now: clock}
}

func (r *Relay) List(_ context.Context, prefix string, recursive bool) ([]relay.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []relay.Info
	for name, b := range r.blobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if !recursive && strings.Contains(strings.TrimPrefix(rest, "/"), "/") {
			continue
		}
		out = append(out, relay.Info{Name: name, Size: int64(len(b.data)), MTime: b.mtime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Relay) Get(_ context.Context, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, nil
}

func (r *Relay) GetTo(ctx context.Context, name string, w io.Writer) error {
	data, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (r *Relay) Put(_ context.Context, name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[name] = blob{data: cp, mtime: r.now()}
	return nil
}

func (r *Relay) PutFrom(ctx context.Context, name string, rd io.Reader, _ int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rd); err != nil {
		return err
	}
	return r.Put(ctx, name, buf.Bytes())
}

func (r *Relay) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blobs, name)
	return nil
}

func (r *Relay) Exists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[name]
	return ok, nil
}

func (r *Relay) Size(_ context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[name]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return int64(len(b.data)), nil
}

func (r *Relay) MTime(_ context.Context, name string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[name]
	if !ok {
		return time.Time{}, errs.ErrNotFound
	}
	return b.mtime, nil
}

func (r *Relay) Touch(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[name]
	if !ok {
		b = blob{data: []byte{}}
	}
	b.mtime = r.now()
	r.blobs[name] = b
	return nil
}

var _ relay.Relay = (*Relay)(nil)
