package engine

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnoreLines are excluded from every local tree scan regardless of
// repository configuration.
var defaultIgnoreLines = []string{
	".escaleignore",
	"**/*.conflict-*",
	".DS_Store",
	"Thumbs.db",
	"*.tmp",
	"*.swp",
	".git/",
}

// IgnoreList decides whether a local path is excluded from synchronization,
// combining the built-in defaults with a repository's own .escaleignore
// file contents.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles a combined ignore matcher from the built-in
// defaults plus any additional patterns (typically read from a
// repository's .escaleignore file).
func NewIgnoreList(extra []string) *IgnoreList {
	lines := append(append([]string{}, defaultIgnoreLines...), extra...)
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether relPath (relative to the repository root)
// is excluded from scanning.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	return l.ignore.MatchesPath(relPath)
}

// ReadIgnoreFile reads a repository's .escaleignore file from its local
// root, returning its non-blank, non-comment lines for use as NewIgnoreList's
// extra patterns. A missing file is not an error: it returns (nil, nil),
// matching a repository that has never customized its ignore list.
func ReadIgnoreFile(root string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(root, ".escaleignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
