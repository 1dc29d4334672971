package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"designsync/internal/dsync"
)

// Config describes a development record server.
type Config struct {
	Addr  string // listen address, e.g. ":8080"
	DSN   string // modernc sqlite DSN; "file::memory:" keeps records in memory
	Token string // bearer token required by /records; empty disables auth
}

// Run serves the record API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, logger dsync.Logger) error {
	if logger == nil {
		logger = dsync.NewNopLogger()
	}
	if cfg.DSN == "" {
		cfg.DSN = "file::memory:"
	}

	repo, err := OpenRepo(cfg.DSN)
	if err != nil {
		return err
	}
	defer repo.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg.Token, NewRecordHandler(repo), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("devserver stopped")
	return nil
}
