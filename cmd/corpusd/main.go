// Package main implements the corpusd daemon: an MCP server exposing a
// curated read-only knowledge corpus over stdio or streaming HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	chromem "github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loreworks/corpusd/internal/config"
	"github.com/loreworks/corpusd/internal/httpapi"
	"github.com/loreworks/corpusd/internal/logging"
	"github.com/loreworks/corpusd/internal/mcp"
	"github.com/loreworks/corpusd/internal/oauth"
	"github.com/loreworks/corpusd/internal/search"
)

// Set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corpusd",
	Short: "MCP server for the knowledge corpus",
	Long: `corpusd serves a curated read-only knowledge corpus (books, news,
forum archives) to AI assistants over the Model Context Protocol.

It speaks JSON-RPC 2.0 over two transports: newline-delimited frames on
stdio, or an SSE event stream plus submission endpoint over HTTP with
OAuth 2.1 authorization.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("corpusd %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("corpusd starting",
		zap.String("version", version),
		zap.String("transport", cfg.Server.Transport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embed := chromem.NewEmbeddingFuncOpenAICompat(
		cfg.Search.EmbeddingBaseURL,
		cfg.Search.EmbeddingAPIKey,
		cfg.Search.EmbeddingModel,
		nil,
	)

	backend, err := search.NewChromemBackend(search.ChromemConfig{Path: cfg.Search.IndexPath}, embed, logger)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer func() { _ = backend.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	info := mcp.ServerInfo{Name: "corpusd", Version: version}
	metrics := mcp.NewMetrics(promReg)
	sessions := mcp.NewSessionStore(cfg.Session.IdleTimeout(), logger, metrics)
	engine := mcp.NewEngine(info, mcp.NewCorpusRegistry(), backend, logger, metrics)

	switch cfg.Server.Transport {
	case config.TransportStdio:
		return serveStdio(ctx, engine, sessions, logger)
	default:
		return serveHTTP(ctx, cfg, info, engine, sessions, backend, promReg, logger)
	}
}

// serveStdio runs the line transport until stdin closes or a signal
// arrives.
func serveStdio(ctx context.Context, engine *mcp.Engine, sessions *mcp.SessionStore, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run()
		return nil
	})
	g.Go(func() error {
		defer sessions.Shutdown()
		transport := mcp.NewStdioTransport(engine, sessions, os.Stdin, os.Stdout, logger)
		return transport.Run(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("corpusd stopped")
	return nil
}

// serveHTTP runs the streaming transport plus the OAuth and facade
// endpoints, shutting down gracefully on SIGINT/SIGTERM.
func serveHTTP(
	ctx context.Context,
	cfg *config.Config,
	info mcp.ServerInfo,
	engine *mcp.Engine,
	sessions *mcp.SessionStore,
	backend search.Backend,
	promReg *prometheus.Registry,
	logger *zap.Logger,
) error {
	auth := oauth.NewServer(
		cfg.Server.BaseURL(),
		cfg.OAuth.Simplified,
		cfg.OAuth.GrantTTL(),
		cfg.OAuth.TokenTTL(),
		logger,
	)

	srv := httpapi.New(cfg.Server, info, engine, sessions, auth, backend, promReg, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sessions.Run()
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		sessions.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("corpusd stopped")
	return nil
}
