package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l0p7/tilegate/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags every subcommand shares.
type rootOptions struct {
	configFile string
	envPrefix  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tilegate",
		Short: "Tile cache gateway for WMS, TMS and KML clients",
		Long: `tilegate loads a tile cache configuration and answers map requests
through it: WMS GetCapabilities, GetMap and GetFeatureInfo, TMS tiles and
KML super-overlays.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to server configuration file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "TILEGATE", "environment variable prefix")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newVersionsCommand())

	return cmd
}

func (o *rootOptions) loader() *config.Loader {
	return config.NewLoader(o.envPrefix, o.configFile)
}

func (o *rootOptions) load(ctx context.Context) (config.Config, *config.Loader, error) {
	loader := o.loader()
	cfg, err := loader.Load(ctx)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, loader, nil
}
