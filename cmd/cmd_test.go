package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"

	"github.com/lidadreamer/ML-tornado/db"
	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
	"github.com/lidadreamer/ML-tornado/training"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "cli.db")
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("database:\n  driver: sqlite3\n  dsn: %s\ntraining:\n  workers: 2\nlog:\n  level: error\n", dsn)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTrainEmptyDatasetSkips(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "train", "--config", path, "--dsid", "4", "--classifier", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing trained")
}

func TestTrainThenListModels(t *testing.T) {
	path, dsn := writeConfig(t)

	database, err := db.Open(context.Background(), db.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	store := db.NewInstanceStore(database, db.DriverSQLite)
	for i := 0; i < 6; i++ {
		label := ml.Label("a")
		if i >= 3 {
			label = "b"
		}
		_, err := store.AppendInstance(context.Background(), 2, []float64{float64(i)}, label)
		require.NoError(t, err)
	}
	require.NoError(t, database.Close())

	out, err := run(t, "train", "--config", path, "--dsid", "2", "--classifier", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "knn on 6 samples")

	out, err = run(t, "models", "--config", path, "--json")
	require.NoError(t, err)
	var infos []db.ModelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, int64(2), infos[0].DSID)
	assert.Equal(t, ml.KNearestNeighbors, infos[0].Kind)
}

func TestTrainUnsupportedClassifier(t *testing.T) {
	path, _ := writeConfig(t)

	_, err := run(t, "train", "--config", path, "--dsid", "0", "--classifier", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

type unreachableRegistry struct{}

func (unreachableRegistry) Put(ctx context.Context, dsid int64, blob []byte) error {
	return errors.MarkStoreUnavailable(errors.New("connection refused"))
}

func (unreachableRegistry) List(ctx context.Context) (map[int64][]byte, error) {
	return nil, errors.MarkStoreUnavailable(errors.New("connection refused"))
}

type noInstances struct{}

func (noInstances) GetInstances(ctx context.Context, dsid int64) ([]ml.Instance, error) {
	return nil, nil
}

func TestHydrateFailureStopsStartup(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	pool := training.NewWorkerPool(1, 0, logger)
	defer pool.Stop()
	table := training.NewTable()
	coord := training.NewCoordinator(noInstances{}, unreachableRegistry{}, table, pool, logger)

	err := hydrate(context.Background(), coord, logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.Equal(t, 0, table.Len())
}
