// Command waitless drives instrumented browser tabs and waits for them to
// settle before acting.
//
// Usage:
//
//	waitless -url https://example.com                 # wait once, print the report
//	waitless -url https://example.com -click '#login' # wait, then click
//	waitless -config waitless.yaml -serve             # HTTP API
//	waitless -config waitless.yaml -mcp               # MCP tools over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/waitless/stability"
	"github.com/hazyhaar/waitless/waitless"
)

// exitTimedOut is the exit status of a one-shot run whose page never settled.
const exitTimedOut = 2

type options struct {
	configPath string
	url        string
	click      string
	typeSel    string
	text       string
	maxWait    time.Duration
	serve      bool
	addr       string
	mcp        bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to waitless.yaml config file")
	flag.StringVar(&o.url, "url", "", "open a URL, wait until stable and print the report")
	flag.StringVar(&o.click, "click", "", "with -url: selector to click once stable")
	flag.StringVar(&o.typeSel, "type", "", "with -url: selector to type -text into once stable")
	flag.StringVar(&o.text, "text", "", "text for -type")
	flag.DurationVar(&o.maxWait, "max-wait", 0, "override max_wait_time")
	flag.BoolVar(&o.serve, "serve", false, "serve the HTTP API")
	flag.StringVar(&o.addr, "addr", "", "HTTP listen address (default from config)")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools on stdin/stdout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, o)
	switch {
	case err == nil:
	case errors.Is(err, stability.ErrTimeout), errors.Is(err, waitless.ErrActionAborted):
		logger.Warn("waitless: page never settled", "error", err)
		os.Exit(exitTimedOut)
	default:
		logger.Error("waitless: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg := waitless.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = waitless.LoadConfigFile(o.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if o.maxWait > 0 {
		cfg.Stability.MaxWait = o.maxWait
	}
	if o.addr != "" {
		cfg.HTTP.Addr = o.addr
	}

	switch {
	case o.serve || o.mcp:
		return runServers(ctx, logger, cfg, o)
	case o.url != "":
		return runOnce(ctx, logger, cfg, o)
	}
	fmt.Fprintln(os.Stderr, "usage: waitless -url <url> [-click sel | -type sel -text t] | -serve | -mcp")
	os.Exit(1)
	return nil
}

// runOnce opens url, waits (and acts), then prints the report as JSON.
func runOnce(ctx context.Context, logger *slog.Logger, cfg *waitless.Config, o options) error {
	svc := waitless.New(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer svc.Close()

	sess, err := svc.Open(ctx, waitless.OpenRequest{URL: o.url})
	if err != nil {
		return err
	}

	var rep *stability.Report
	switch {
	case o.click != "":
		rep, err = sess.Click(ctx, o.click)
	case o.typeSel != "":
		rep, err = sess.Type(ctx, o.typeSel, o.text)
	default:
		rep, err = sess.WaitUntilStable(ctx)
	}
	if rep != nil {
		data, _ := stability.MarshalReport(rep)
		os.Stdout.Write(data)
		os.Stdout.Write([]byte("\n"))
		if err == nil && !rep.Stable() {
			// Proceeded on an unstable page.
			err = &stability.TimeoutError{Report: rep}
		}
	}
	return err
}

// runServers serves the HTTP API and/or MCP over stdio until ctx ends.
func runServers(ctx context.Context, logger *slog.Logger, cfg *waitless.Config, o options) error {
	svc := waitless.New(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)

	if o.serve {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("waitless: http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if o.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "waitless", Version: "0.1.0"}, nil)
		svc.RegisterMCP(srv)
		g.Go(func() error {
			logger.Info("waitless: mcp on stdio")
			if err := srv.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

