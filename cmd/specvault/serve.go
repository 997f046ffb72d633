package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/specvault/internal/auth"
	"github.com/MarcoPoloResearchLab/specvault/internal/server"
	"github.com/MarcoPoloResearchLab/specvault/internal/watcher"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and follow renames inside the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "Follow file renames under the vault root")
	return cmd
}

func runServer(ctx context.Context, watch bool) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApplication(ctx, false)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	logger := app.logger
	appConfig := app.config

	var validator server.SessionValidator
	if appConfig.AuthEnabled() {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
		validator = sessionValidator
	} else {
		logger.Warn("auth.signing_secret is empty; the HTTP API is unauthenticated")
	}

	realtime := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		History:          app.service,
		SessionValidator: validator,
		Metrics:          app.metrics,
		Realtime:         realtime,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if watch {
		vaultWatcher, err := watcher.New(watcher.Config{
			Root:       appConfig.VaultRoot,
			Renamer:    app.service,
			PairWindow: appConfig.PairWindow,
			Logger:     logger,
			OnMove: func(move watcher.Move) {
				realtime.Publish(server.RealtimeMessage{
					EventType: server.RealtimeEventFileRenamed,
					Path:      move.OldPath,
					NewPath:   move.NewPath,
				})
			},
		})
		if err != nil {
			return err
		}
		go vaultWatcher.Run(signalCtx)
		defer func() {
			vaultWatcher.Stop()
			<-vaultWatcher.Done()
		}()
		logger.Info("watching vault", zap.String("root", appConfig.VaultRoot))
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	httpServer.RegisterOnShutdown(realtime.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
