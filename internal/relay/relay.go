// Package relay defines the abstract contract every blob-store backend
// (FTP, WebDAV, SSH, S3-like object directories, ...) must satisfy, plus a
// handful of backend-agnostic helpers built purely in terms of that
// contract. Concrete backends live in sibling packages (fsrelay, s3relay,
// memrelay) and are selected at configuration time; nothing above this
// package ever imports a backend-specific type.
package relay

import (
	"context"
	"io"
	"time"
)

// Info describes one blob as seen by a list operation.
type Info struct {
	Name  string
	Size  int64
	MTime time.Time // zero value means unknown; backends MAY omit mtime.
}

// Relay is the capability interface every backend implements. All
// operations are blocking and fallible with errors drawn from the
// internal/errs taxonomy (ErrRelayTransient, ErrRelayPermanent, ErrNotFound).
//
// Implementations MUST provide or emulate:
//   - atomic Put (no partial blob is ever observable via List/Get)
//   - idempotent Delete (deleting a missing name is not an error)
//   - eventual visibility (after Put returns, a List on the containing
//     directory eventually returns the name)
//   - no silent truncation
type Relay interface {
	// List returns every blob whose name has the given prefix, one level
	// of "directory" at a time unless recursive is true.
	List(ctx context.Context, prefix string, recursive bool) ([]Info, error)

	// Get returns the full contents of name.
	Get(ctx context.Context, name string) ([]byte, error)

	// GetTo streams the contents of name into w.
	GetTo(ctx context.Context, name string, w io.Writer) error

	// Put uploads data under name. Implementations that cannot PUT
	// atomically MUST emulate atomicity via a temporary name followed by
	// a rename-equivalent (copy+delete) before returning.
	Put(ctx context.Context, name string, data []byte) error

	// PutFrom streams r into name with the same atomicity guarantee as Put.
	PutFrom(ctx context.Context, name string, r io.Reader, size int64) error

	// Delete removes name. Idempotent: a missing name is not an error.
	Delete(ctx context.Context, name string) error

	// Exists reports whether name is currently present.
	Exists(ctx context.Context, name string) (bool, error)

	// Size returns the size in bytes of name, or ErrNotFound.
	Size(ctx context.Context, name string) (int64, error)

	// MTime returns the last-modified time of name if the backend tracks
	// it, or the zero time if unsupported.
	MTime(ctx context.Context, name string) (time.Time, error)

	// Touch updates name's mtime without rewriting its content, if the
	// backend supports that natively; otherwise it re-Puts the existing
	// content.
	Touch(ctx context.Context, name string) error
}

// Rename performs a best-effort atomic rename for backends whose native
// Relay implementation does not support one directly: copy then delete.
// It is exposed so backend Put/PutFrom implementations that lack a native
// atomic write can share the same temp-name dance that spec §4.1 requires.
func Rename(ctx context.Context, r Relay, oldName, newName string) error {
	data, err := r.Get(ctx, oldName)
	if err != nil {
		return err
	}
	if err := r.Put(ctx, newName, data); err != nil {
		return err
	}
	return r.Delete(ctx, oldName)
}
