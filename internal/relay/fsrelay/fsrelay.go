// Package fsrelay implements the relay.Relay contract on top of a local
// directory tree. It is used for single-host repositories and as a
// low-overhead relay for integration tests that need a real filesystem
// (as opposed to memrelay's pure in-memory map).
//
// Atomic Put is native here via write-temp-then-os.Rename.
package fsrelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
)

// Relay implements relay.Relay rooted at a local directory.
type Relay struct {
	root string
}

// New creates an fsrelay rooted at root, creating the directory if absent.
func New(root string) (*Relay, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsrelay: create root: %w", err)
	}
	return &Relay{root: root}, nil
}

func (r *Relay) abs(name string) string {
	return filepath.Join(r.root, filepath.FromSlash(name))
}

func (r *Relay) List(_ context.Context, prefix string, recursive bool) ([]relay.Info, error) {
	var out []relay.Info
	base := r.abs(prefix)

	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if !recursive && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, relay.Info{
			Name:  filepath.ToSlash(rel),
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
		return nil
	}

	if _, err := os.Stat(base); os.IsNotExist(err) {
		return out, nil
	}
	if err := filepath.WalkDir(base, walk); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return out, nil
}

func (r *Relay) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(r.abs(name))
	if os.IsNotExist(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return data, nil
}

func (r *Relay) GetTo(_ context.Context, name string, w io.Writer) error {
	f, err := os.Open(r.abs(name))
	if os.IsNotExist(err) {
		return errs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (r *Relay) Put(ctx context.Context, name string, data []byte) error {
	return r.PutFrom(ctx, name, bytes.NewReader(data), int64(len(data)))
}

func (r *Relay) PutFrom(_ context.Context, name string, rd io.Reader, _ int64) error {
	dst := r.abs(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	tmp := dst + ".tmp." + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	if _, err := io.Copy(f, rd); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return nil
}

func (r *Relay) Delete(_ context.Context, name string) error {
	err := os.Remove(r.abs(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return nil
}

func (r *Relay) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(r.abs(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return true, nil
}

func (r *Relay) Size(_ context.Context, name string) (int64, error) {
	info, err := os.Stat(r.abs(name))
	if os.IsNotExist(err) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return info.Size(), nil
}

func (r *Relay) MTime(_ context.Context, name string) (time.Time, error) {
	info, err := os.Stat(r.abs(name))
	if os.IsNotExist(err) {
		return time.Time{}, errs.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	return info.ModTime(), nil
}

func (r *Relay) Touch(ctx context.Context, name string) error {
	now := time.Now()
	if err := os.Chtimes(r.abs(name), now, now); err == nil {
		return nil
	}
	data, err := r.Get(ctx, name)
	if err != nil {
		data = []byte{}
	}
	return r.Put(ctx, name, data)
}

var _ relay.Relay = (*Relay)(nil)
