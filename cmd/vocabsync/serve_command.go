package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/japaniel/vocabsync/pkg/ankicache"
	"github.com/japaniel/vocabsync/pkg/httpapi"
	"github.com/japaniel/vocabsync/pkg/observe"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve token lookups, builds and local edits over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if bind == "" {
				bind = cfg.API.Bind
			}
			conn, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			toks, err := ctx.trackTokenizers()
			if err != nil {
				return err
			}
			tracks, err := ctx.buildTracks()
			if err != nil {
				return err
			}
			logger := ctx.componentLogger("api")

			// One build at a time per server; other processes are excluded by the lease.
			var buildMu sync.Mutex
			router := httpapi.NewRouter(&httpapi.Deps{
				DB:      conn,
				Profile: cfg.Profile,
				Tracks:  len(cfg.Tracks),
				Build: func(bctx context.Context, profile string, emit ankicache.Sink) error {
					buildMu.Lock()
					defer buildMu.Unlock()
					b := ctx.newBuilder(conn)
					b.Profile = profile
					_, _, err := b.Build(bctx, tracks, emit)
					return err
				},
				Tokenizer: func(track int) tokenizer.Tokenizer {
					if track < 0 || track >= len(toks) {
						return nil
					}
					return toks[track]
				},
				Logger:  logger,
				Metrics: observe.Default(),
			})

			srv := &http.Server{
				Addr:              bind,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http api listening", "addr", bind)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("serve %s: %w", bind, err)
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("http api stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (defaults to api.bind)")
	return cmd
}
