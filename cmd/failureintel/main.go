// Package main implements failureintel: the failure intelligence API server
// and the operator commands that run against the same card store.
package main

import (
	"os"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/config"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "failureintel",
		Short: "Failure intelligence matching and confidence engine",
		Long: `failureintel stores structured failure cards for EV service workshops,
matches new symptom reports against them and evolves card confidence from
technician outcomes.

Configuration is read from ~/.config/failureintel/config.yaml (or --config)
with FAILUREINTEL_* environment overrides.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/failureintel/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newMatchCmd(opts),
		newSeedCmd(opts),
		newVersionCmd(),
	)
	return root
}
