package maintenance

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
)

// Backup archives every blob on r into a gzip-compressed tarball written
// to out, preserving names and mtimes (spec §4.8 "Backup / Restore"). No
// third-party archive library is exercised elsewhere in the corpus for
// this format, so archive/tar + compress/gzip are used directly
// (justified in DESIGN.md).
func Backup(ctx context.Context, r relay.Relay, out io.Writer) (int, error) {
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	infos, err := r.List(ctx, "", true)
	if err != nil {
		return 0, fmt.Errorf("%w: list: %v", errs.ErrRelayTransient, err)
	}

	n := 0
	for _, info := range infos {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		data, err := r.Get(ctx, info.Name)
		if err != nil {
			return n, fmt.Errorf("%w: get %s: %v", errs.ErrRelayTransient, info.Name, err)
		}
		hdr := &tar.Header{
			Name:    info.Name,
			Size:    int64(len(data)),
			Mode:    0o644,
			ModTime: info.MTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return n, fmt.Errorf("%w: tar header %s: %v", errs.ErrLocalIO, info.Name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return n, fmt.Errorf("%w: tar write %s: %v", errs.ErrLocalIO, info.Name, err)
		}
		n++
	}

	if err := tw.Close(); err != nil {
		return n, fmt.Errorf("%w: close tar: %v", errs.ErrLocalIO, err)
	}
	if err := gz.Close(); err != nil {
		return n, fmt.Errorf("%w: close gzip: %v", errs.ErrLocalIO, err)
	}
	return n, nil
}

// Restore unarchives a tarball produced by Backup into r, overwriting any
// existing blobs with the same names.
func Restore(ctx context.Context, in io.Reader, r relay.Relay) (int, error) {
	gz, err := gzip.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("%w: open gzip: %v", errs.ErrLocalIO, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	n := 0
	for {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, fmt.Errorf("%w: read tar header: %v", errs.ErrLocalIO, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return n, fmt.Errorf("%w: read tar entry %s: %v", errs.ErrLocalIO, hdr.Name, err)
		}
		if err := r.Put(ctx, hdr.Name, data); err != nil {
			return n, fmt.Errorf("%w: restore put %s: %v", errs.ErrRelayTransient, hdr.Name, err)
		}
		n++
	}
	return n, nil
}
