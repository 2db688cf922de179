package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exam-session-service/internal/app"
	transport "exam-session-service/internal/transport/http"
	"github.com/spf13/cobra"
)

// NewServeCmd builds the CLI subcommand to start the websocket server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the exam websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
	cmd.Flags().StringVar(port, "port", "", "port to listen on (overrides config and PORT)")
	return cmd
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := setup(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer e.close()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = e.cfg.Server.Port
	}

	timer := app.NewSessionTimer(e.store, e.opts...)
	if err := timer.Init(ctx); err != nil {
		return err
	}
	defer timer.Close()
	drafts := app.NewDraftStore(e.store, e.opts...)
	gate := app.NewSubmissionGate(timer, drafts, e.grading, e.opts...)
	attempts := app.NewAttempts(timer, e.grading, e.opts...)
	wsHandler := transport.NewWSHandler(timer, drafts, gate, attempts, e.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		e.log.Info().Str("port", finalPort).Str("storage", e.cfg.StorageBackend()).Msg("starting exam session service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		e.log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		e.log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
