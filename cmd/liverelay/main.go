// Command liverelay serves the realtime audio relay: browsers stream
// microphone audio over a WebSocket (or a WebRTC data channel) and hear the
// model's spoken replies, with barge-in.
//
// Configuration comes from an optional YAML file (-config) and the
// environment: GEMINI_API_KEY (required), PORT, LIVERELAY_MODEL,
// LIVERELAY_LOG_LEVEL, LIVERELAY_ALLOWED_ORIGINS, LIVERELAY_INSTRUCTIONS_FILE
// and SENTRY_DSN.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/enesunal-m/liverelay"
	"github.com/enesunal-m/liverelay/webrtc"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML options file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "liverelay:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	opts := liverelay.DefaultServerOptions()
	if configPath != "" {
		var err error
		if opts, err = liverelay.LoadServerOptions(configPath); err != nil {
			return err
		}
	}
	if err := opts.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if opts.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required")
	}

	logger := liverelay.NewLogger(liverelay.ParseLogLevel(opts.LogLevel))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env("ENVIRONMENT", "development"),
		})
		if err != nil {
			logger.Warn("sentry_init_failed", map[string]any{"err": err})
		} else {
			defer sentry.Flush(2 * time.Second)
			opts.OnSessionError = func(id string, err error) {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetTag("session_id", id)
					sentry.CaptureException(err)
				})
			}
		}
	}

	srv := liverelay.NewServer(opts, liverelay.WithLogger(logger))
	if opts.WebRTC {
		srv.Handle(http.MethodPost, webrtc.DefaultOfferPath, webrtc.NewOfferHandler(srv, webrtc.OfferOptions{
			ICEServers: opts.ICEServers,
			Logger:     logger,
		}))
	}

	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", map[string]any{"addr": opts.Addr, "path": opts.Path, "model": opts.Model})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting_down", map[string]any{"sessions": srv.ActiveSessions()})
		// Hijacked WebSockets are not tracked by http.Server, so the relay
		// ends its own sessions.
		return errors.Join(httpSrv.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
