package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voocel/codebox/config"
	"github.com/voocel/codebox/console"
	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/middleware"
	"github.com/voocel/codebox/observer"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/server"
	"github.com/voocel/codebox/workspace"
)

type flags struct {
	configPath string
	listen     string
	token      string
	model      string
	provider   string
	workspace  string
	logLevel   string
	markdown   bool
	verbose    bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "CUE config file path")
	flag.StringVar(&f.listen, "listen", "", "serve the HTTP API on this address instead of the console")
	flag.StringVar(&f.token, "auth-token", "", "optional shared token for the http api")
	flag.StringVar(&f.model, "model", "", "model name (overrides config)")
	flag.StringVar(&f.provider, "provider", "", "provider: openai, anthropic, gemini or compatible")
	flag.StringVar(&f.workspace, "workspace", "", "workspace root directory")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&f.markdown, "markdown", false, "render answers as markdown")
	flag.BoolVar(&f.verbose, "verbose", false, "log to stderr in console mode")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "codebox:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	f.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := observer.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	model, err := llm.NewModel(cfg.Provider())
	if err != nil {
		return err
	}
	root, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	middlewares, err := buildMiddlewares(cfg)
	if err != nil {
		return err
	}

	metrics := &middleware.MetricsObserver{}
	r := runner.New(runner.Config{
		Model:       model,
		Middlewares: middlewares,
		Observer:    observer.NewFanout(observer.NewSlogObserver(logger), metrics),
		Tracer:      observer.NewSlogTracer(logger),
		Generation:  cfg.Generation(),
		MaxTurns:    cfg.Runner.MaxTurns,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Listen != "" {
		manager := server.NewManager(root, cfg.ToolEnv(), cfg.Runner.SystemPrompt)
		srv := server.New(r, manager, server.Options{
			Token:   cfg.Server.Token,
			Logger:  logger,
			Metrics: metrics,
		})
		return srv.ListenAndServe(ctx, cfg.Server.Listen)
	}

	sess := runner.NewSession("", cfg.Runner.SystemPrompt, root, cfg.ToolEnv())
	logger.Debug("session started", "session_id", sess.ID(), "workspace", root.Root())
	repl := &console.REPL{
		Runner:  r,
		Session: sess,
		Printer: console.NewPrinter(os.Stdout, console.PrinterOptions{Markdown: f.markdown}),
		In:      os.Stdin,
	}
	repl.Banner(model.Info().Name)
	if err := repl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// apply overlays command-line flags onto cfg.
func (f flags) apply(cfg *config.Config) {
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.token != "" {
		cfg.Server.Token = f.token
	}
	if f.model != "" {
		cfg.Model.Name = f.model
	}
	if f.provider != "" {
		cfg.Model.Provider = f.provider
	}
	if f.workspace != "" {
		cfg.Workspace.Root = f.workspace
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	// The console owns the terminal; log there only on request.
	if cfg.Server.Listen == "" && !f.verbose {
		cfg.Log.Quiet = true
	}
}

func buildMiddlewares(cfg config.Config) ([]runner.Middleware, error) {
	mws := []runner.Middleware{
		&middleware.TimeoutMiddleware{
			LLMTimeout:  time.Duration(cfg.Runner.LLMTimeoutSeconds) * time.Second,
			ToolTimeout: time.Duration(cfg.Runner.ToolTimeoutSeconds) * time.Second,
		},
	}
	if len(cfg.Runner.AllowedCapabilities) > 0 {
		allow, err := middleware.NewToolAllowlist(cfg.Runner.AllowedCapabilities...)
		if err != nil {
			return nil, err
		}
		mws = append(mws, allow)
	}
	if cfg.Exec.Disabled {
		mws = append(mws, middleware.NoExec())
	}
	return mws, nil
}
