package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"already training", Wrap(ErrAlreadyTraining, "dsid 3"), KindAlreadyTraining},
		{"unsupported", Wrapf(ErrUnsupportedClassifier, "code %d", 99), KindUnsupportedClassifier},
		{"store", MarkStoreUnavailable(Wrap(sql.ErrConnDone, "query")), KindStoreUnavailable},
		{"training", MarkTrainingFailed(New("fit exploded")), KindTrainingFailed},
		{"no model", ErrNoModelAvailable, KindNoModelAvailable},
		{"not found", NewNotFoundError("dsid %d", 4), KindNotFound},
		{"invalid", NewInvalidRequestError("bad feature %q", "x"), KindInvalidRequest},
		{"plain", New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestStoreFailureInsideJobReportsStoreKind(t *testing.T) {
	err := MarkTrainingFailed(MarkStoreUnavailable(Wrap(sql.ErrConnDone, "put model")))

	assert.True(t, Is(err, ErrTrainingFailed))
	assert.True(t, Is(err, ErrStoreUnavailable))
	assert.True(t, Is(err, sql.ErrConnDone), "cause must survive marking")
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
}

func TestMarkNil(t *testing.T) {
	assert.NoError(t, MarkStoreUnavailable(nil))
	assert.NoError(t, MarkTrainingFailed(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 409, HTTPStatus(Wrap(ErrAlreadyTraining, "dsid 3")))
	assert.Equal(t, 400, HTTPStatus(ErrUnsupportedClassifier))
	assert.Equal(t, 400, HTTPStatus(NewInvalidRequestError("x")))
	assert.Equal(t, 503, HTTPStatus(MarkTrainingFailed(MarkStoreUnavailable(New("down")))))
	assert.Equal(t, 500, HTTPStatus(MarkTrainingFailed(New("fit"))))
	assert.Equal(t, 404, HTTPStatus(ErrNoModelAvailable))
	assert.Equal(t, 500, HTTPStatus(New("boom")))
}
