// Command mcpfleet runs the MCP fleet console: a websocket realtime layer
// and small HTTP surface over a SQLite-backed server directory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcpfleet/mcpfleet/internal/console"
	"github.com/mcpfleet/mcpfleet/internal/logsource"
	"github.com/mcpfleet/mcpfleet/internal/store"
)

const sessionCleanupInterval = time.Hour

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
	if os.Getenv("MCPFLEET_DEBUG") == "" {
		log = log.Level(zerolog.InfoLevel)
	}

	// Load configuration
	cfg, err := console.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize database
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()
	st := store.New(log, db)

	// Pick the log source. "file" tails each workload's log file; anything
	// else is treated as an exec command template.
	var logs console.LogSource
	if cfg.LogCommand == "file" {
		logs = logsource.NewFileSource(log)
	} else {
		logs = logsource.NewExecSource(log, cfg.LogCommand)
	}

	// Create server
	srv := console.New(cfg, log, console.Options{
		Resolver:  st,
		Users:     st,
		Sessions:  st,
		Directory: st,
		Logs:      logs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, log, st)

	// Run server until the listener fails or a signal arrives.
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Run()
	}()

	select {
	case err := <-errc:
		log.Fatal().Err(err).Msg("server error")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

// cleanupLoop prunes expired sessions until ctx is cancelled.
func cleanupLoop(ctx context.Context, log zerolog.Logger, st *store.Store) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanupExpiredSessions(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("session cleanup failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("expired sessions cleaned up")
			}
		}
	}
}
