package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/config"
	"github.com/MarcoPoloResearchLab/specvault/internal/database"
	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/logging"
	"github.com/MarcoPoloResearchLab/specvault/internal/metrics"
	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"github.com/MarcoPoloResearchLab/specvault/internal/rpc"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"github.com/MarcoPoloResearchLab/specvault/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application owns the store worker and the history service built on it.
type application struct {
	config  config.AppConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	service *history.Service

	db     *gorm.DB
	codec  *payload.Codec
	client *rpc.Client
	worker *worker.Worker
	cancel context.CancelFunc
}

// openApplication wires configuration, storage and the worker. Console
// logging replaces the configured encoding when console is true.
func openApplication(ctx context.Context, console bool) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	encoding := appConfig.LogEncoding
	if console {
		encoding = "console"
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, encoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	store, err := versions.NewStore(versions.StoreConfig{
		Database:           db,
		Clock:              time.Now,
		CheckpointInterval: appConfig.CheckpointInterval,
		Logger:             logger,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	codec, err := payload.NewCodec()
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	engine := delta.NewEngine(delta.Options{MinTextLength: appConfig.MinTextLength})
	collectors := metrics.New()

	workerCtx, cancel := context.WithCancel(ctx)
	client, storeWorker, err := worker.Connect(workerCtx, worker.Config{
		Store:         store,
		Reconstructor: chain.NewReconstructor(engine, codec),
		Logger:        logger,
		Metrics:       collectors,
		Buffer:        appConfig.WorkerBuffer,
	})
	if err != nil {
		cancel()
		_ = codec.Close()
		_ = database.Close(db)
		return nil, err
	}

	service, err := history.NewService(history.ServiceConfig{
		Backend: client,
		Engine:  engine,
		Codec:   codec,
		Policy:  chain.NewPolicy(engine, appConfig.LargeChangeThreshold),
		Clock:   time.Now,
		Logger:  logger,
		Metrics: collectors,
	})
	if err != nil {
		_ = client.Close()
		cancel()
		storeWorker.Wait()
		_ = codec.Close()
		_ = database.Close(db)
		return nil, err
	}

	return &application{
		config:  appConfig,
		logger:  logger,
		metrics: collectors,
		service: service,
		db:      db,
		codec:   codec,
		client:  client,
		worker:  storeWorker,
		cancel:  cancel,
	}, nil
}

// consoleLogging reports whether an interactive command should log to the
// console, which holds unless the encoding was chosen explicitly.
func consoleLogging(cmd *cobra.Command) bool {
	if flag := cmd.Flags().Lookup("log-encoding"); flag != nil && flag.Changed {
		return false
	}
	if _, ok := os.LookupEnv("SPECVAULT_LOG_ENCODING"); ok {
		return false
	}
	return !viper.InConfig("log.encoding")
}

// Close terminates the channel, waits for the worker and releases storage.
func (app *application) Close() error {
	err := app.client.Close()
	if errors.Is(err, rpc.ErrTerminated) {
		err = nil
	}
	app.cancel()
	app.worker.Wait()
	err = errors.Join(err, app.codec.Close(), database.Close(app.db))
	_ = app.logger.Sync()
	return err
}
