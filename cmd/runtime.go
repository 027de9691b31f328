package cmd

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/config"
	"github.com/lidadreamer/ML-tornado/db"
	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/monitoring"
	"github.com/lidadreamer/ML-tornado/predict"
	"github.com/lidadreamer/ML-tornado/training"
)

// runtime holds the wired service components shared by serve and train.
type runtime struct {
	database    *sql.DB
	instances   *db.InstanceStore
	models      *db.ModelStore
	table       *training.Table
	pool        *training.WorkerPool
	coordinator *training.Coordinator
	metrics     *monitoring.Metrics
}

// newRuntime opens the database and builds the training path. A database
// failure is returned as is; the service cannot run without persistence.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, opts ...training.Option) (*runtime, error) {
	database, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger.Named("db"))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	rt := &runtime{
		database:  database,
		instances: db.NewInstanceStore(database, cfg.Database.Driver),
		models:    db.NewModelStore(database, cfg.Database.Driver),
		table:     training.NewTable(),
	}
	rt.metrics = monitoring.NewMetrics(rt.table.Len)
	rt.pool = training.NewWorkerPool(cfg.Training.Workers, cfg.Training.QueueSize, logger)

	opts = append([]training.Option{training.WithRecorder(rt.metrics)}, opts...)
	rt.coordinator = training.NewCoordinator(rt.instances, rt.models, rt.table, rt.pool, logger, opts...)
	return rt, nil
}

func (rt *runtime) predictor(cfg *config.Config, logger *zap.SugaredLogger) (*predict.Service, error) {
	return predict.NewService(rt.table, cfg.Predict.CacheSize, logger, predict.WithRecorder(rt.metrics))
}

// Close drains queued jobs before closing the database.
func (rt *runtime) Close() error {
	rt.pool.Stop()
	return rt.database.Close()
}
