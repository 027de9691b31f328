package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/config"
	"github.com/lidadreamer/ML-tornado/errors"
	qhttp "github.com/lidadreamer/ML-tornado/http"
	"github.com/lidadreamer/ML-tornado/monitoring"
	"github.com/lidadreamer/ML-tornado/training"
)

var (
	servePort    int
	serveNoWatch bool
)

// ServeCmd starts the HTTP server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP server",
	RunE:    runServe,
}

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override http.port from the config file")
	ServeCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the log level when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()
	if servePort > 0 {
		cfg.Http.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !serveNoWatch {
		watcher, err := config.Watch(configPath, func(next *config.Config) {
			if logLevel != "" || next.Log.Level == log.Level().String() {
				return
			}
			if err := log.SetLevel(next.Log.Level); err != nil {
				log.Warnw("Ignoring log level from reloaded config", "level", next.Log.Level, "error", err)
				return
			}
			log.Infow("Log level changed", "level", next.Log.Level)
		}, log.SugaredLogger)
		if err != nil {
			log.Warnw("Config reload disabled", "path", configPath, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	hub := monitoring.NewHub(cfg.Http.AllowedOrigins, log.SugaredLogger)
	go hub.Run(ctx)

	events := training.EventSinkFunc(func(e training.Event) {
		_ = hub.Broadcast(monitoring.TrainingEvent, e)
		if e.Type == training.EventCompleted {
			_ = hub.Broadcast(monitoring.ModelEvent, map[string]interface{}{
				"dsid":           e.DSID,
				"classifier":     e.Classifier,
				"resub_accuracy": e.Accuracy,
				"samples":        e.Samples,
			})
		}
	})

	rt, err := newRuntime(ctx, cfg, log.SugaredLogger, training.WithEvents(events))
	if err != nil {
		log.Errorw("Failed to initialize database", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer rt.Close()

	if cfg.Training.Hydrate {
		if err := hydrate(ctx, rt.coordinator, log.SugaredLogger); err != nil {
			log.Errorw("Failed to load stored models", "error", err)
			return err
		}
	}

	predictor, err := rt.predictor(cfg, log.SugaredLogger)
	if err != nil {
		return err
	}

	api := &qhttp.API{
		Trainer:   rt.coordinator,
		Predictor: predictor,
		Instances: rt.instances,
		Log:       rt.models,
		Stats:     rt.metrics,
		Events:    http.HandlerFunc(hub.ServeWS),
	}
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		RateLimit:      cfg.Http.RateLimit,
		RateBurst:      cfg.Http.RateBurst,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, api, log.SugaredLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorw("Server shutdown failed", "error", err)
	}
	return nil
}

type hydrator interface {
	Hydrate(ctx context.Context) (int, error)
}

// hydrate rebuilds the model table from the registry. A registry that cannot
// be listed stops startup; single unreadable models are skipped by Hydrate.
func hydrate(ctx context.Context, h hydrator, logger *zap.SugaredLogger) error {
	n, err := h.Hydrate(ctx)
	if err != nil {
		return errors.Wrap(err, "hydrate model table")
	}
	logger.Infow("Loaded stored models", "count", n)
	return nil
}
