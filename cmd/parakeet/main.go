package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/parakeet/internal/app"
	"github.com/antoniostano/parakeet/internal/config"
	"github.com/antoniostano/parakeet/internal/logging"
	"github.com/antoniostano/parakeet/internal/session"
	"github.com/antoniostano/parakeet/internal/transcript"
)

const usage = `usage: parakeet <command> [flags]

commands:
  serve       run the control server; conversations start over HTTP/WS
  talk        start a conversation now and print the transcript
  transcribe  record once and print the transcription
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "parakeet: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	envFile := fs.String("env", ".env", "dotenv file loaded before reading the environment")
	duration := fs.Duration("duration", 5*time.Second, "recording length for transcribe")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, restore, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer restore()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	switch command {
	case "serve":
		return serve(ctx, built, logger)
	case "talk":
		return talk(ctx, built, logger)
	case "transcribe":
		return transcribeOnce(ctx, built, logger, *duration)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(ctx context.Context, built *app.BuildResult, logger *zap.Logger) error {
	cfg := built.Config
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr), zap.String("voice", built.Voice.Detail))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		built.Sessions.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})
	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}

// talk runs one conversation in the terminal until Ctrl-C, a server close or
// a terminal error.
func talk(ctx context.Context, built *app.BuildResult, logger *zap.Logger) error {
	sessions := built.Sessions
	updates, cancel := sessions.Subscribe()
	defer cancel()

	if err := sessions.Start(ctx); err != nil {
		var sessErr *session.Error
		if errors.As(err, &sessErr) {
			return errors.New(sessErr.UserMessage())
		}
		return err
	}
	fmt.Printf("Talking to %s (%s). Press Ctrl-C to stop.\n", built.Config.AssistantName, built.Voice.Detail)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printed := 0
		var status session.Status
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap, ok := <-updates:
				if !ok {
					return nil
				}
				for _, entry := range snap.History[min(printed, len(snap.History)):] {
					printEntry(entry)
				}
				printed = len(snap.History)
				if snap.Status != status {
					status = snap.Status
					logger.Debug("status", zap.String("status", string(status)))
				}
				switch {
				case snap.Status == session.StatusError:
					return errors.New(snap.LastError)
				case snap.Status == session.StatusIdle && snap.SessionID != "":
					fmt.Println("Conversation ended.")
					return nil
				}
			}
		}
	})
	err := g.Wait()
	sessions.Stop()
	return err
}

func printEntry(e transcript.Entry) {
	fmt.Printf("%s: %s\n", e.Speaker, strings.TrimSpace(e.Text))
}

func transcribeOnce(ctx context.Context, built *app.BuildResult, logger *zap.Logger, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	rec, err := built.NewRecorder(ctx, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Recording for %s...\n", d)
	text, err := rec.Run(ctx, d)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
