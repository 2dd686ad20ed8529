// Command escale runs the synchronization daemon: one scheduler worker per
// configured repository, each reconciling its local tree against a relay
// backend per the placeholder/lock/message protocol. Grounded on
// cmd/client/main.go's cobra root command and signal-driven context, with
// config/client swapped for escale's multi-repository descriptor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/escale/escale/internal/app"
	"github.com/escale/escale/internal/config"
	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/logging"
	"github.com/escale/escale/internal/scheduler"
	"github.com/escale/escale/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "escale",
	Short:   "escale synchronization daemon",
	Version: version.Detailed(),
	RunE:    run,
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join(home, ".escale", "config.yaml"), "escale config file")
}

func run(cmd *cobra.Command, args []string) error {
	cleanup, err := logging.Setup(logging.Options{
		LogFile: filepath.Join(filepath.Dir(configPath), "escale.log"),
		Level:   slog.LevelInfo,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	sched := scheduler.New()
	var repos []*app.Repo
	for _, r := range cfg.Repositories {
		rp, err := app.Build(ctx, r)
		if err != nil {
			return fmt.Errorf("repository %q: %w", r.Name, err)
		}
		repos = append(repos, rp)
		sched.Add(rp.Worker)
		slog.Info("repository ready", "repo", r.Name, "local_path", r.LocalPath, "pseudonym", r.Pseudonym)
	}

	defer func() {
		for _, rp := range repos {
			rp.Close(context.Background())
		}
	}()

	cmd.SilenceUsage = true
	slog.Info("escale starting", "repositories", len(repos))
	sched.Run(ctx)
	slog.Info("escale stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.ExitCode(err))
	}
}
