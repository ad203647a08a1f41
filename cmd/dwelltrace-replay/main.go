package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"github.com/vincentbai/dwelltrace/internal/replay"
)

func main() {
	cmd := rootCmd()
	if err := cmd.Invoke().WithOS().Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *serpent.Command {
	var (
		tracePath string
		endpoint  string
		collector string
		verbose   bool
	)
	return &serpent.Command{
		Use:   "dwelltrace-replay",
		Short: "Replay a recorded pointer trace against a collector",
		Options: serpent.OptionSet{
			{
				Flag:        "trace",
				Description: "Path of the YAML trace to replay.",
				Required:    true,
				Value:       serpent.StringOf(&tracePath),
			},
			{
				Flag:        "url",
				Env:         "DWELLTRACE_URL",
				Description: "Collector endpoint. Overrides the url in the trace.",
				Value:       serpent.StringOf(&endpoint),
			},
			{
				Flag:        "collector",
				Env:         "DWELLTRACE_COLLECTOR",
				Default:     "http://127.0.0.1:8123",
				Description: "Base URL relative endpoints such as /save.php are resolved against.",
				Value:       serpent.StringOf(&collector),
			},
			{
				Flag:        "verbose",
				Env:         "DWELLTRACE_VERBOSE",
				Description: "Log every flush.",
				Value:       serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Make(sloghuman.Sink(inv.Stderr))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			trace, err := replay.LoadFile(tracePath)
			if err != nil {
				return err
			}
			if endpoint != "" {
				trace.URL = endpoint
			}
			base, err := url.Parse(collector)
			if err != nil {
				return xerrors.Errorf("parse collector url: %w", err)
			}
			options := trace.Options()

			result, err := replay.Run(ctx, trace, replay.Config{
				Collector: base,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			if n := len(result.Undelivered); n > 0 {
				return xerrors.Errorf("%d records were not delivered to %s", n, options.URL)
			}
			_, _ = fmt.Fprintf(inv.Stdout, "session %s delivered\n", result.SessionID)
			return nil
		},
	}
}
