// Package logging sets up the process-wide slog logger: a colorized tint
// handler on stdout plus a plain text handler on a log file, fanned out
// through a multi-handler. Grounded on cmd/client/main.go's logger setup,
// generalized into a reusable Setup function since escale runs many
// repository workers from one process rather than one client daemon.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/escale/escale/internal/utils"
)

// Options configures Setup.
type Options struct {
	// LogFile is the path to the text log file. Its parent directory is
	// created if missing. Empty disables file logging.
	LogFile string
	// Level is the minimum level logged to stdout and to the file.
	Level slog.Level
}

// Setup installs the process-wide default logger and returns a cleanup
// function that closes the log file; callers defer it in main.
func Setup(opts Options) (func(), error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      opts.Level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		}),
	}

	closeFn := func() {}

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		interceptor := utils.NewLogInterceptor(file)
		fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: opts.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handlers = append(handlers, fileHandler)
		closeFn = func() { file.Close() }
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return closeFn, nil
}
