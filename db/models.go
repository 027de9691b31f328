package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

// ModelStore is the durable registry of trained models, one row per dsid.
type ModelStore struct {
	db     *sql.DB
	driver string
}

func NewModelStore(database *sql.DB, driver string) *ModelStore {
	return &ModelStore{db: database, driver: driver}
}

// ModelInfo describes a registry entry without its blob.
type ModelInfo struct {
	DSID      int64     `json:"dsid"`
	Kind      ml.Kind   `json:"kind"`
	Accuracy  float64   `json:"resub_accuracy"`
	TrainedAt time.Time `json:"trained_at"`
}

type TrainingLog struct {
	DSID       int64     `json:"dsid"`
	ModelName  string    `json:"model_name"`
	Accuracy   float64   `json:"accuracy"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

// Put overwrites the model for dsid and appends a training_log row in the
// same transaction. The blob is stored as given. When it is an ml envelope
// its header fills the queryable columns; otherwise they record an unknown
// kind and an accuracy of -1.
func (s *ModelStore) Put(ctx context.Context, dsid int64, blob []byte) error {
	meta := blobMeta(blob)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin model write")
	}

	_, err = tx.ExecContext(ctx, rebind(s.driver, `
        INSERT INTO models (dsid, kind, model, accuracy, trained_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (dsid) DO UPDATE SET
            kind = excluded.kind,
            model = excluded.model,
            accuracy = excluded.accuracy,
            trained_at = excluded.trained_at`),
		dsid, meta.kind, blob, meta.accuracy, meta.trainedAt)
	if err != nil {
		tx.Rollback()
		return storeErr(err, "upsert model")
	}

	_, err = tx.ExecContext(ctx, rebind(s.driver, `
        INSERT INTO training_log (dsid, model_name, accuracy, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?)`),
		dsid, meta.name, meta.accuracy, meta.trainedAt, meta.samples)
	if err != nil {
		tx.Rollback()
		return storeErr(err, "insert training log")
	}

	if err := tx.Commit(); err != nil {
		return storeErr(err, "commit model write")
	}
	return nil
}

// UnknownKind is recorded for blobs that are not ml envelopes.
const UnknownKind = -1

type modelMeta struct {
	kind      int
	name      string
	accuracy  float64
	samples   int
	trainedAt time.Time
}

func blobMeta(blob []byte) modelMeta {
	meta := modelMeta{kind: UnknownKind, name: "unknown", accuracy: -1}
	if env, err := ml.DecodeEnvelope(blob); err == nil {
		meta.kind = int(env.Kind)
		meta.name = env.Name
		meta.accuracy = env.Accuracy
		meta.samples = env.Samples
		meta.trainedAt = env.TrainedAt.UTC()
	}
	if meta.trainedAt.IsZero() {
		meta.trainedAt = time.Now().UTC()
	}
	return meta
}

// Get returns the stored blob for dsid, or an error matching errors.ErrNotFound.
func (s *ModelStore) Get(ctx context.Context, dsid int64) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT model FROM models WHERE dsid = ?`), dsid).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no model stored for dsid %d", dsid)
	}
	if err != nil {
		return nil, storeErr(err, "query model")
	}
	return blob, nil
}

// List returns the blob of every stored model keyed by dsid.
func (s *ModelStore) List(ctx context.Context) (map[int64][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dsid, model FROM models`)
	if err != nil {
		return nil, storeErr(err, "list models")
	}
	defer rows.Close()

	models := make(map[int64][]byte)
	for rows.Next() {
		var dsid int64
		var blob []byte
		if err := rows.Scan(&dsid, &blob); err != nil {
			return nil, storeErr(err, "scan model")
		}
		models[dsid] = blob
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate models")
	}
	return models, nil
}

// Describe lists registry entries without loading blobs, ordered by dsid.
func (s *ModelStore) Describe(ctx context.Context) ([]ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT dsid, kind, accuracy, trained_at
        FROM models
        ORDER BY dsid`)
	if err != nil {
		return nil, storeErr(err, "describe models")
	}
	defer rows.Close()

	infos := make([]ModelInfo, 0)
	for rows.Next() {
		var info ModelInfo
		var kind int
		if err := rows.Scan(&info.DSID, &kind, &info.Accuracy, &info.TrainedAt); err != nil {
			return nil, storeErr(err, "scan model info")
		}
		info.Kind = ml.Kind(kind)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate model info")
	}
	return infos, nil
}

// LoadTrainingLog returns the most recent successful trainings, newest first.
// dsid < 0 returns every dataset.
func (s *ModelStore) LoadTrainingLog(ctx context.Context, dsid int64, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT dsid, model_name, accuracy, trained_at, data_points
        FROM training_log`
	args := []interface{}{}
	if dsid >= 0 {
		query += ` WHERE dsid = ?`
		args = append(args, dsid)
	}
	query += ` ORDER BY trained_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return nil, storeErr(err, "query training log")
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.DSID, &log.ModelName, &log.Accuracy, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, storeErr(err, "scan training log")
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate training log")
	}
	return logs, nil
}
