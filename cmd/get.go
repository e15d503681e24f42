package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/l0p7/tilegate/internal/config"
	"github.com/l0p7/tilegate/internal/engine"
	"github.com/l0p7/tilegate/internal/logging"
	"github.com/l0p7/tilegate/internal/tilecache"
)

type getOptions struct {
	engineConfig string
	baseURL      string
	output       string
}

func newGetCommand(root *rootOptions) *cobra.Command {
	opts := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Fetch one resource through the tile cache and print it",
		Long: `get runs a single request through the tile cache without starting a server.
Only the path and query of URL select the resource; scheme and host, when
present, become the base URL of generated documents.

The body goes to stdout (or --output) and the status line and headers go to
stderr.`,
		Example: `  tilegate get '/?SERVICE=WMS&REQUEST=GetCapabilities'
  tilegate get -o tile.png /tms/1.0.0/test@WGS84/0/0/0.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.engineConfig, "engine-config", "", "engine configuration file (defaults to server.engine.configFile)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "base URL for generated documents")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the body to this file instead of stdout")

	return cmd
}

func runGet(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *getOptions, rawURL string) error {
	path := opts.engineConfig
	if path == "" {
		cfg, _, err := root.load(ctx)
		if err != nil {
			return err
		}
		path = cfg.Server.Engine.ConfigFile
	}

	base, pathInfo, query, err := splitResourceURL(rawURL)
	if err != nil {
		return err
	}
	if opts.baseURL != "" {
		base = strings.TrimRight(opts.baseURL, "/")
	}

	logger, err := logging.NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	svc, err := tilecache.NewLoader(engine.New()).Load(path, logging.NewSink(logger, tilecache.LevelWarn)).Wait(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	resp, err := svc.Get(base, pathInfo, query).Wait(ctx)
	if err != nil {
		return err
	}

	writeHead(cmd.ErrOrStderr(), resp)
	if opts.output != "" && opts.output != "-" {
		if err := os.WriteFile(opts.output, resp.Body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.output, err)
		}
		return nil
	}
	_, err = cmd.OutOrStdout().Write(resp.Body)
	return err
}

// splitResourceURL turns a URL or bare path into the engine request tuple.
func splitResourceURL(raw string) (base, pathInfo, query string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "" && u.Host != "" {
		base = u.Scheme + "://" + u.Host
	}
	pathInfo = u.Path
	if pathInfo == "" {
		pathInfo = "/"
	}
	return base, pathInfo, u.RawQuery, nil
}

func writeHead(w io.Writer, resp *tilecache.Response) {
	fmt.Fprintf(w, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for _, name := range resp.Header.Names() {
		for _, value := range resp.Header.Values(name) {
			fmt.Fprintf(w, "%s: %s\n", name, value)
		}
	}
	if resp.LastModified != nil {
		fmt.Fprintf(w, "(mtime %s)\n", resp.LastModified.UTC().Format(http.TimeFormat))
	}
}
