package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"github.com/vincentbai/dwelltrace/internal/database"
	"github.com/vincentbai/dwelltrace/internal/server"
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
		address      string
		databasePath string
		verbose      bool
	)
	return &serpent.Command{
		Use:   "dwelltrace-agent",
		Short: "Collect pointer dwell records and serve heat maps",
		Options: serpent.OptionSet{
			{
				Flag:        "address",
				Env:         "DWELLTRACE_ADDRESS",
				Default:     "127.0.0.1:8123",
				Description: "Address the collector listens on.",
				Value:       serpent.StringOf(&address),
			},
			{
				Flag:        "db",
				Env:         "DWELLTRACE_DB",
				Description: "Path of the SQLite database. Defaults to dwells.db in the platform application data directory.",
				Value:       serpent.StringOf(&databasePath),
			},
			{
				Flag:        "verbose",
				Env:         "DWELLTRACE_VERBOSE",
				Description: "Log every stored batch.",
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

			if databasePath == "" {
				dir, err := applicationDirectory()
				if err != nil {
					return err
				}
				databasePath = filepath.Join(dir, "dwells.db")
			}

			db, err := database.NewDatabase(databasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info(ctx, "opened database", slog.F("path", databasePath))

			srv := server.NewServer(db, address, server.WithLogger(logger.Named("collector")))
			return srv.Run(ctx)
		},
	}
}

// app data dir: platform-specific
func applicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", xerrors.Errorf("failed to get user home directory: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(homeDirectory, "Library", "Application Support", "DwellTrace")
	case "windows":
		dir = filepath.Join(homeDirectory, "AppData", "Roaming", "DwellTrace")
	default: // linux and others
		dir = filepath.Join(homeDirectory, ".local", "share", "DwellTrace")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Errorf("failed to create application directory: %w", err)
	}
	return dir, nil
}
