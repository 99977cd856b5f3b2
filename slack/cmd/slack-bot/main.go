package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack/socketmode"
	flag "github.com/spf13/pflag"

	slackbot "github.com/malbeclabs/askdata/slack/internal/slack"
	"github.com/malbeclabs/askdata/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultHTTPAddr    = "0.0.0.0:3000"
	pprofAddr          = "localhost:6060"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the bot. It answers every DM; in channels it answers when
// mentioned or when replying in a thread whose root message mentioned it.
//
// Bot token scopes: chat:write, reactions:write, and channels:history,
// groups:history, mpim:history, im:history for thread history.
// Bot events: app_mention, message.channels, message.groups, message.mpim,
// message.im.
func run() error {
	var flags slackbot.Flags
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose (debug) logging")
	flag.BoolVar(&flags.EnablePprof, "enable-pprof", false, "Enable pprof server on "+pprofAddr)
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty disables)")
	flag.StringVar(&flags.Mode, "mode", "", "Mode: 'socket' (dev) or 'http' (prod). Defaults to 'socket' when SLACK_APP_TOKEN is set")
	flag.StringVar(&flags.HTTPAddr, "http-addr", defaultHTTPAddr, "Address to listen on for HTTP events (http mode)")
	logFormatFlag := flag.String("log-format", "", "Log format: 'text' or 'json' (default: LOG_FORMAT or text)")
	envFileFlag := flag.String("env-file", ".env", "Environment file to load if present")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 60*time.Second, "Maximum time to wait for in-flight answers during shutdown")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}
	if *logFormatFlag == "" {
		*logFormatFlag = os.Getenv("LOG_FORMAT")
	}
	log := logger.NewWithFormat(os.Stdout, logger.ParseFormat(*logFormatFlag), flags.Verbose)

	cfg, err := slackbot.LoadFromEnv(flags)
	if err != nil {
		return err
	}
	if cfg.EnablePprof {
		go servePprof(log)
	}
	if cfg.MetricsAddr != "" {
		slackbot.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go serveMetrics(log, cfg.MetricsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slackClient := slackbot.NewClient(cfg.BotToken, cfg.AppToken, log)
	if cfg.BotUserID, err = slackClient.Initialize(ctx); err != nil {
		log.Warn("slack: auth.test failed, mention detection is degraded", "error", err)
	}

	conversations := slackbot.NewManager(log, nil)
	conversations.StartCleanup(ctx)

	processor := slackbot.NewProcessor(slackClient, slackbot.NewAPIClient(cfg.APIBaseURL, log), conversations, log, cfg.TableRows)
	processor.StartCleanup(ctx)

	events := slackbot.NewEventHandler(slackClient, processor, conversations, log, cfg.BotUserID, ctx)
	log.Info("slack: bot starting", "mode", cfg.Mode, "api", cfg.APIBaseURL, "bot_user_id", cfg.BotUserID, "version", version)

	switch cfg.Mode {
	case slackbot.ModeSocket:
		err = runSocketMode(ctx, log, socketmode.New(slackClient.API()), events)
	default:
		err = runHTTPMode(ctx, log, cfg.HTTPAddr, cfg.SigningSecret, events)
	}
	if ctx.Err() == nil {
		return err
	}

	drain(log, events, *shutdownTimeoutFlag)
	return nil
}

// drain stops new work and waits for in-flight answers, up to timeout.
func drain(log *slog.Logger, events *slackbot.EventHandler, timeout time.Duration) {
	log.Info("slack: shutting down, waiting for in-flight answers", "timeout", timeout)
	wait := events.StopAcceptingNew()

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("slack: in-flight answers completed")
	case <-time.After(timeout):
		log.Warn("slack: gave up waiting for in-flight answers", "timeout", timeout)
	}
}

func runSocketMode(ctx context.Context, log *slog.Logger, client *socketmode.Client, events *slackbot.EventHandler) error {
	go func() {
		if err := client.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("slack: socket mode connection failed", "error", err)
		}
	}()
	log.Info("slack: listening in socket mode")
	return events.HandleSocketMode(ctx, client)
}

func runHTTPMode(ctx context.Context, log *slog.Logger, addr, signingSecret string, events *slackbot.EventHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /slack/events", func(w http.ResponseWriter, r *http.Request) {
		events.HandleHTTP(w, r, signingSecret)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("slack: listening for events", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to serve slack events: %w", err)
	case <-ctx.Done():
	}

	// Refuse new events before closing the listener so Slack retries them
	// against another replica.
	events.StopAcceptingNew()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("slack: http shutdown incomplete", "error", err)
	}
	return ctx.Err()
}

func servePprof(log *slog.Logger) {
	log.Info("starting pprof server", "address", pprofAddr)
	if err := http.ListenAndServe(pprofAddr, nil); err != nil {
		log.Error("failed to start pprof server", "error", err)
	}
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to listen for prometheus metrics", "error", err)
		return
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("prometheus metrics server stopped", "error", err)
	}
}
