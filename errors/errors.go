// Package errors provides error handling for the model service.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping, hints,
// marks) and defines the sentinel errors that make up the service's error
// taxonomy. Callers check kinds with Is:
//
//	if errors.Is(err, errors.ErrAlreadyTraining) {
//	    // retry later
//	}
//
// Store failures keep their cause and are marked so they still match the
// sentinel:
//
//	return errors.MarkStoreUnavailable(errors.Wrap(err, "query instances"))
package errors

import (
	"net/http"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	GetStack  = crdb.GetReportableStackTrace
)

// Sentinel errors. Wrap or Mark them to add context while keeping Is working.
var (
	// ErrAlreadyTraining means a training job for the dataset is in flight.
	// Not a fault: the caller should retry once the running job finishes.
	ErrAlreadyTraining = New("training already in progress")

	// ErrUnsupportedClassifier means the requested classifier code is unknown.
	ErrUnsupportedClassifier = New("unsupported classifier")

	// ErrStoreUnavailable means the feature store or model registry could not be reached.
	ErrStoreUnavailable = New("store unavailable")

	// ErrTrainingFailed means fitting or publishing a model failed.
	ErrTrainingFailed = New("training failed")

	// ErrNoModelAvailable means no training has succeeded for the dataset yet.
	ErrNoModelAvailable = New("no model available")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// Machine-readable kinds reported at the HTTP boundary.
const (
	KindAlreadyTraining       = "AlreadyTraining"
	KindUnsupportedClassifier = "UnsupportedClassifier"
	KindStoreUnavailable      = "StoreUnavailable"
	KindTrainingFailed        = "TrainingFailed"
	KindNoModelAvailable      = "NoModelAvailable"
	KindNotFound              = "NotFound"
	KindInvalidRequest        = "InvalidRequest"
	KindInternal              = "Internal"
)

// KindOf maps err to its machine-readable kind. A store failure inside a
// training job carries both the store and training marks; the store kind wins.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrAlreadyTraining):
		return KindAlreadyTraining
	case Is(err, ErrUnsupportedClassifier):
		return KindUnsupportedClassifier
	case Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case Is(err, ErrTrainingFailed):
		return KindTrainingFailed
	case Is(err, ErrNoModelAvailable):
		return KindNoModelAvailable
	case Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// HTTPStatus maps err to the status code returned for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindAlreadyTraining:
		return http.StatusConflict
	case KindUnsupportedClassifier, KindInvalidRequest:
		return http.StatusBadRequest
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindNoModelAvailable, KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// MarkStoreUnavailable marks err as a store connectivity failure.
func MarkStoreUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrStoreUnavailable)
}

// MarkTrainingFailed marks err as a training failure, keeping err as the cause.
func MarkTrainingFailed(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTrainingFailed)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
