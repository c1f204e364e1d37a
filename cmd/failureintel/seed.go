package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/catalog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSeedCmd(root *rootOptions) *cobra.Command {
	var opts catalog.ImportOptions
	var watch bool
	cmd := &cobra.Command{
		Use:   "seed <catalog.toml>",
		Short: "Import curated failure cards from a TOML catalog",
		Long: `Import curated failure cards. Cards whose title already exists in the
same subsystem are skipped, so a catalog can be re-applied safely.

Examples:
  # Import and approve entries marked approve = true
  failureintel seed cards.toml

  # Validate a catalog without writing
  failureintel seed --dry-run cards.toml

  # Keep importing new entries as the catalog is edited
  failureintel seed --watch cards.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runSeedWatch(ctx, root, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			}
			return runSeed(cmd.Context(), root, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate and report without writing")
	cmd.Flags().StringVar(&opts.Actor, "actor", "catalog", "recorded as creator and approver")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-import whenever the catalog file changes")
	cmd.MarkFlagsMutuallyExclusive("watch", "dry-run")
	return cmd
}

func runSeed(ctx context.Context, root *rootOptions, path string, opts catalog.ImportOptions, out, logOut io.Writer) error {
	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res, err := catalog.Import(ctx, a.svc, cat, opts, a.logger.Underlying().Named("catalog"))
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d catalog entries failed to import", len(res.Errors))
	}
	return nil
}

func runSeedWatch(ctx context.Context, root *rootOptions, path string, opts catalog.ImportOptions, out, logOut io.Writer) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	logger := a.logger.Underlying().Named("catalog")
	return catalog.Watch(ctx, path, a.svc, catalog.WatchOptions{
		Import: opts,
		OnImport: func(res *catalog.ImportResult, err error) {
			if err != nil {
				return
			}
			if werr := writeJSON(out, res); werr != nil {
				logger.Warn("failed to write import result", zap.Error(werr))
			}
		},
	}, logger)
}
