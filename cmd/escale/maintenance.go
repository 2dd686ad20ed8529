package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/escale/escale/internal/app"
	"github.com/escale/escale/internal/config"
	"github.com/escale/escale/internal/maintenance"
	"github.com/escale/escale/internal/protocol"
	"github.com/escale/escale/internal/relay"
)

func init() {
	rootCmd.AddCommand(migrateCmd, backupCmd, restoreCmd, accessCmd)
}

var migrateSafe bool

var migrateCmd = &cobra.Command{
	Use:   "migrate <repo> <dest-relay-uri>",
	Short: "copy a repository's blobs to a new relay backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := lookupRepository(args[0])
		if err != nil {
			return err
		}
		src, err := openRepoRelay(cmd.Context(), *repo)
		if err != nil {
			return err
		}
		dst, err := openRepoRelay(cmd.Context(), config.Repository{Name: repo.Name, RelayURI: args[1]})
		if err != nil {
			return err
		}

		mode := maintenance.MigrateFast
		if migrateSafe {
			mode = maintenance.MigrateSafe
		}
		n, err := maintenance.Migrate(cmd.Context(), src, dst, mode, repo.Pseudonym, 200)
		if err != nil {
			return err
		}
		fmt.Printf("migrated %d blobs\n", n)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <repo> <out.tar.gz>",
	Short: "archive a repository's entire blob set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := lookupRepository(args[0])
		if err != nil {
			return err
		}
		r, err := openRepoRelay(cmd.Context(), *repo)
		if err != nil {
			return err
		}
		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := maintenance.Backup(cmd.Context(), r, out)
		if err != nil {
			return err
		}
		fmt.Printf("backed up %d blobs\n", n)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <repo> <in.tar.gz>",
	Short: "restore a repository's blob set from an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := lookupRepository(args[0])
		if err != nil {
			return err
		}
		r, err := openRepoRelay(cmd.Context(), *repo)
		if err != nil {
			return err
		}
		in, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer in.Close()

		n, err := maintenance.Restore(cmd.Context(), in, r)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d blobs\n", n)
		return nil
	},
}

var accessPeers []string

var accessCmd = &cobra.Command{
	Use:   "access <repo> <logical-path> <modifiers>",
	Short: `set a path's access modifiers, e.g. "r w?"`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := lookupRepository(args[0])
		if err != nil {
			return err
		}
		r, err := openRepoRelay(cmd.Context(), *repo)
		if err != nil {
			return err
		}

		m, err := maintenance.ParseModifiers(args[2])
		if err != nil {
			return err
		}

		store := &protocol.PlaceholderStore{Relay: r, MaxNameLen: 200}
		messenger := &protocol.Messenger{Relay: r, Pseudonym: repo.Pseudonym, MaxNameLen: 200}
		return maintenance.SetAccess(cmd.Context(), store, messenger, args[1], m, accessPeers)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSafe, "safe", false, "lock each path before copying")
	accessCmd.Flags().StringSliceVar(&accessPeers, "peer", nil, "pseudonym to notify of the access change (repeatable)")
}

func lookupRepository(name string) (*config.Repository, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for i := range cfg.Repositories {
		if cfg.Repositories[i].Name == name {
			return &cfg.Repositories[i], nil
		}
	}
	return nil, fmt.Errorf("repository %q not found in %s", name, configPath)
}

func openRepoRelay(ctx context.Context, r config.Repository) (relay.Relay, error) {
	return app.OpenRelay(ctx, r)
}
