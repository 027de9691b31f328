// Package predict answers label queries from the published model table.
package predict

import (
	"context"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
	"github.com/lidadreamer/ML-tornado/training"
)

// Recorder receives prediction metrics.
type Recorder interface {
	ObservePrediction(outcome string)
	ObserveModelCache(hit bool)
}

// cacheKey names one published model. A retrain bumps the version, so stale
// entries are never served and simply age out.
type cacheKey struct {
	dsid    int64
	version uint64
}

// Service is read-only with respect to models: it never writes the table and
// never touches a classifier that is being fitted. Each published blob is
// decoded into its own classifier instance, cached by (dsid, version).
type Service struct {
	table    *training.Table
	cache    *lru.Cache[cacheKey, ml.Classifier]
	logger   *zap.SugaredLogger
	recorder Recorder
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService builds a service over table keeping up to cacheSize decoded
// classifiers.
func NewService(table *training.Table, cacheSize int, logger *zap.SugaredLogger, opts ...Option) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[cacheKey, ml.Classifier](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create model cache")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{table: table, cache: cache, logger: logger.Named("predict")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Predict returns the label the current model for dsid assigns to feature.
// It fails with ErrNoModelAvailable until a training for dsid has succeeded.
func (s *Service) Predict(ctx context.Context, dsid int64, feature []float64) (ml.Label, error) {
	labels, err := s.PredictBatch(ctx, dsid, [][]float64{feature})
	if err != nil {
		return "", err
	}
	return labels[0], nil
}

// PredictBatch labels several feature vectors with one model snapshot.
func (s *Service) PredictBatch(ctx context.Context, dsid int64, features [][]float64) ([]ml.Label, error) {
	labels, err := s.predict(ctx, dsid, features)
	if s.recorder != nil {
		outcome := "ok"
		if err != nil {
			outcome = errors.KindOf(err)
		}
		s.recorder.ObservePrediction(outcome)
	}
	return labels, err
}

func (s *Service) predict(ctx context.Context, dsid int64, features [][]float64) ([]ml.Label, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dsid < 0 {
		return nil, errors.NewInvalidRequestError("dsid must be non-negative, got %d", dsid)
	}
	if err := checkFeatures(features); err != nil {
		return nil, err
	}

	m, ok := s.table.Get(dsid)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNoModelAvailable, "dsid %d", dsid)
	}
	clf, err := s.classifier(m)
	if err != nil {
		return nil, err
	}

	labels, err := clf.Predict(features)
	if err != nil {
		// the only way a fitted model rejects a finite query is its width
		return nil, errors.Mark(errors.Wrapf(err, "predict with %s model for dsid %d", m.Kind, dsid),
			errors.ErrInvalidRequest)
	}
	return labels, nil
}

func (s *Service) classifier(m *training.Model) (ml.Classifier, error) {
	key := cacheKey{dsid: m.DSID, version: m.Version}
	if clf, ok := s.cache.Get(key); ok {
		s.cacheResult(true)
		return clf, nil
	}
	s.cacheResult(false)

	clf, _, err := ml.Decode(m.Blob)
	if err != nil {
		return nil, errors.Wrapf(err, "decode model for dsid %d", m.DSID)
	}
	s.cache.Add(key, clf)
	s.logger.Debugw("Decoded model", "dsid", m.DSID, "version", m.Version, "classifier", m.Kind.String())
	return clf, nil
}

func (s *Service) cacheResult(hit bool) {
	if s.recorder != nil {
		s.recorder.ObserveModelCache(hit)
	}
}

// Model returns the metadata of the model currently published for dsid.
func (s *Service) Model(dsid int64) (*training.Model, bool) {
	return s.table.Get(dsid)
}

// Models lists every published model.
func (s *Service) Models() []*training.Model {
	return s.table.Snapshot()
}

func checkFeatures(features [][]float64) error {
	if len(features) == 0 {
		return errors.NewInvalidRequestError("no feature vectors given")
	}
	for i, f := range features {
		if len(f) == 0 {
			return errors.NewInvalidRequestError("feature vector %d is empty", i)
		}
		for _, v := range f {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.NewInvalidRequestError("feature vector %d contains a non-finite value", i)
			}
		}
	}
	return nil
}
