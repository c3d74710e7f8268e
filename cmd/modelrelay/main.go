// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command modelrelay runs the LLM reverse proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/imagestore"
	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/version"
)

type (
	// cmd corresponds to the top-level `modelrelay` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the proxy for the given configuration."`
	}
	// cmdRun corresponds to the `modelrelay run` command.
	cmdRun struct {
		Debug bool   `help:"Enable debug logging emitted to stderr."`
		Path  string `arg:"" name:"path" help:"Path to the proxy configuration yaml file." type:"path"`
	}
)

type runFn func(context.Context, cmdRun, io.Writer, io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run)
}

// doMain parses the command line arguments and executes the selected
// command. The writers, exit function and run function are injectable for
// testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int), rf runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("modelrelay"),
		kong.Description("LLM reverse proxy"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "modelrelay: %s\n", version.Parse())
	case "run <path>":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	default:
		panic("unreachable")
	}
}

// run assembles the proxy from the configuration and serves until the
// context is cancelled.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	cfg, err := loadConfig(c.Path)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	meter, shutdownMetrics, err := metrics.NewPrometheusMeter(registry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	proxyMetrics, err := metrics.NewProxyMetrics(meter)
	if err != nil {
		return err
	}

	keys := make([]keypool.Key, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, keypool.Key{
			Service:             k.Service,
			Secret:              k.Secret,
			AllowsMultimodality: true,
		})
	}
	pool := keypool.NewMemoryPool(logger, keys)

	counter, err := tokenizer.NewCounter()
	if err != nil {
		return err
	}

	history := imagestore.NewRing()
	mirror, err := imagestore.NewMirror(logger, cfg.AssetsDir, cfg.PublicOrigin, history)
	if err != nil {
		return err
	}

	pl := &pipeline.Pipeline{
		Pool:    pool,
		Counter: counter,
		Prompts: &pipeline.SlogPromptSink{Logger: logger},
		Events:  &pipeline.SlogEventSink{Logger: logger},
		Images:  mirror,
		Metrics: proxyMetrics,
		Logger:  logger,
	}

	srv := gateway.New(gateway.Config{
		PublicOrigin: cfg.PublicOrigin,
		AssetsDir:    cfg.AssetsDir,
		Limits: apischema.Limits{
			OpenAIMaxOutputTokens:    cfg.Limits.OpenAIMaxOutputTokens,
			AnthropicMaxOutputTokens: cfg.Limits.AnthropicMaxOutputTokens,
			AllowToolUsage:           cfg.Limits.AllowToolUsage,
		},
		Upstreams:   cfg.Upstreams,
		MaxAttempts: cfg.MaxAttempts,
	}, logger, pool, pl, history, registry)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("proxy listening",
		slog.String("addr", cfg.Listen),
		slog.String("version", version.Parse()))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
