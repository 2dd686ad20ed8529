package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relayname"
)

// scanLocalTree walks the repository root and returns the observed state
// of every regular file, keyed by LogicalPath (forward-slash relative
// path). Reserved names and ignored paths are excluded, per spec §4.2
// "Reserved" and the repository's ignore list.
func scanLocalTree(root string, ignore *IgnoreList) (map[string]LocalFile, error) {
	out := make(map[string]LocalFile)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		logicalPath := filepath.ToSlash(rel)

		if ignore != nil && ignore.ShouldIgnore(logicalPath) {
			return nil
		}
		if relayname.IsReserved(logicalPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("%w: hash %s: %v", errs.ErrLocalIO, logicalPath, err)
		}

		out[logicalPath] = LocalFile{
			LogicalPath: logicalPath,
			Size:        info.Size(),
			MTime:       info.ModTime(),
			Hash:        hash,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan local tree: %v", errs.ErrLocalIO, err)
	}
	return out, nil
}

// hashFile computes the plaintext content digest of a local file using
// the same algorithm as frame.Digest, so local hashes compare directly
// against placeholder digests.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// readLocalFile reads the full content of a repository-relative path.
func readLocalFile(root, logicalPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(logicalPath)))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrLocalIO, logicalPath, err)
	}
	return data, nil
}

// writeLocalFile writes data to the repository-relative logicalPath
// atomically: write to a temp file in the same directory, fsync, rename
// into place (spec §4.6 pull sequence step 2).
func writeLocalFile(root, logicalPath string, data []byte, mtime time.Time) error {
	dst := filepath.Join(root, filepath.FromSlash(logicalPath))
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", errs.ErrLocalIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".escale-tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", errs.ErrLocalIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp: %v", errs.ErrLocalIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync temp: %v", errs.ErrLocalIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", errs.ErrLocalIO, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("%w: rename into place: %v", errs.ErrLocalIO, err)
	}
	if !mtime.IsZero() {
		_ = os.Chtimes(dst, mtime, mtime)
	}
	return nil
}

// removeLocalFile deletes the local copy of logicalPath. Not finding it
// is not an error: it may already have been removed by the user.
func removeLocalFile(root, logicalPath string) error {
	dst := filepath.Join(root, filepath.FromSlash(logicalPath))
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", errs.ErrLocalIO, logicalPath, err)
	}
	return nil
}

// quarantineLocalFile moves a payload that failed integrity verification
// aside under a `.corrupt-<ts>` sidecar rather than leaving it half
// written, per spec §4.6 pull sequence step 1.
func quarantineLocalFile(root, logicalPath string, data []byte, now time.Time) error {
	name := fmt.Sprintf("%s.corrupt-%d", logicalPath, now.UnixNano())
	return writeLocalFile(root, name, data, now)
}
