package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

// InstanceStore is the append-only store of labeled feature vectors.
type InstanceStore struct {
	db     *sql.DB
	driver string
}

func NewInstanceStore(database *sql.DB, driver string) *InstanceStore {
	return &InstanceStore{db: database, driver: driver}
}

// AppendInstance stores one labeled vector and returns its row id.
func (s *InstanceStore) AppendInstance(ctx context.Context, dsid int64, feature []float64, label ml.Label) (int64, error) {
	payload, err := json.Marshal(feature)
	if err != nil {
		return 0, errors.Wrap(err, "encode feature")
	}
	var id int64
	err = s.db.QueryRowContext(ctx, rebind(s.driver, `
        INSERT INTO labeled_instances (dsid, feature, label, created_at)
        VALUES (?, ?, ?, ?)
        RETURNING id`),
		dsid, string(payload), string(label), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, storeErr(err, "insert labeled instance")
	}
	return id, nil
}

// GetInstances returns every instance of dsid in upload order.
func (s *InstanceStore) GetInstances(ctx context.Context, dsid int64) ([]ml.Instance, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `
        SELECT feature, label
        FROM labeled_instances
        WHERE dsid = ?
        ORDER BY id`), dsid)
	if err != nil {
		return nil, storeErr(err, "query labeled instances")
	}
	defer rows.Close()

	instances := make([]ml.Instance, 0)
	for rows.Next() {
		var feature, label string
		if err := rows.Scan(&feature, &label); err != nil {
			return nil, storeErr(err, "scan labeled instance")
		}
		var values []float64
		if err := json.Unmarshal([]byte(feature), &values); err != nil {
			return nil, storeErr(err, "decode stored feature")
		}
		instances = append(instances, ml.Instance{Feature: values, Label: ml.Label(label)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate labeled instances")
	}
	return instances, nil
}

// CountInstances returns how many instances dsid has.
func (s *InstanceStore) CountInstances(ctx context.Context, dsid int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT COUNT(*) FROM labeled_instances WHERE dsid = ?`), dsid).Scan(&n)
	if err != nil {
		return 0, storeErr(err, "count labeled instances")
	}
	return n, nil
}

// MaxDatasetID returns the highest dsid with data, or -1 when the store is empty.
func (s *InstanceStore) MaxDatasetID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(dsid) FROM labeled_instances`).Scan(&max); err != nil {
		return 0, storeErr(err, "query max dsid")
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}
