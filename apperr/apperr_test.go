package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeNoFaceDetected, "no face detected in the image", FieldCollectionID("c1"))
	assert.Equal(t, CodeNoFaceDetected, CodeOf(err))
	assert.Equal(t, "c1", FieldsOf(err)["collection_id"])

	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInputInvalid, http.StatusBadRequest},
		{CodeMigrationTokenInvalid, http.StatusBadRequest},
		{CodeNoFaceDetected, http.StatusUnprocessableEntity},
		{CodeCollectionNotFound, http.StatusNotFound},
		{CodeCollectionConflict, http.StatusConflict},
		{CodeCollectionNotEmpty, http.StatusConflict},
		{CodeVectorIndexUnavailable, http.StatusServiceUnavailable},
		{CodeEmbeddingUnavailable, http.StatusServiceUnavailable},
		{CodeStoreWriteFailed, http.StatusInternalServerError},
		{CodeAuthForbidden, http.StatusForbidden},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.code, "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestPublicMessageHidesAdapterText(t *testing.T) {
	cause := errors.New("dial tcp 10.0.3.7:3306: connection refused (table face_records)")
	err := Wrap(cause, CodeStoreWriteFailed, "writing metadata", FieldFaceID("f1"))

	assert.ErrorIs(t, err, cause)
	msg := PublicMessage(err)
	assert.NotContains(t, msg, "10.0.3.7")
	assert.NotContains(t, msg, "face_records")
	assert.Equal(t, "the face could not be stored, please retry", msg)
}

func TestPublicMessageForInputErrors(t *testing.T) {
	err := Errorf(CodeInputInvalid, "max_results must be between 1 and %d", 100)
	assert.Equal(t, "max_results must be between 1 and 100", PublicMessage(err))
	assert.True(t, IsInvalidInput(err))

	assert.Equal(t, "internal error", PublicMessage(errors.New("raw driver text")))
}
