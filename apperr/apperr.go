// Package apperr carries the error taxonomy shared by the orchestrators and the
// front door. Errors are samber/oops errors tagged with a dotted Code whose last
// segment is the reason ("invalid_input", "unavailable", "not_found", ...).
package apperr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeInputInvalid     Code = "face.input.invalid_input"
	CodeNoFaceDetected   Code = "face.detect.no_face"
	CodeStoreWriteFailed Code = "face.store.write_failed"

	CodeEmbeddingUnavailable   Code = "embedding.provider.unavailable"
	CodeVectorIndexUnavailable Code = "vector.index.unavailable"
	CodeMetadataUnavailable    Code = "metadata.store.unavailable"
	CodeBlobUnavailable        Code = "blob.store.unavailable"

	CodeCollectionNotFound Code = "collection.get.not_found"
	CodeCollectionConflict Code = "collection.create.conflict"
	CodeCollectionNotEmpty Code = "collection.delete.conflict"
	CodeFaceNotFound       Code = "face.get.not_found"

	CodeMigrationTokenInvalid Code = "migration.token.invalid_input"
	CodeLegacyUnavailable     Code = "legacy.source.unavailable"
	CodeCheckpointUnavailable Code = "migration.checkpoint.unavailable"
	CodeLegacyImageNotFound   Code = "legacy.image.not_found"
	CodeMigrationNotFound     Code = "migration.progress.not_found"

	CodeConfigInvalid Code = "config.validate.invalid_value"

	CodeAuthUnauthorized Code = "server.auth.unauthorized"
	CodeAuthForbidden    Code = "server.auth.forbidden"
	CodeCanceled         Code = "server.request.canceled"
	CodeInternal         Code = "server.internal.failure"
)

// Attr is a structured key/value attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldFaceID(value string) Attr {
	return Field("face_id", value)
}

func FieldCollectionID(value string) Attr {
	return Field("collection_id", value)
}

// New creates an error whose message is authored by us and safe to show callers.
func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).Public(msg).New(msg)
}

// Errorf is New with formatting. The formatted message is also the public one,
// so never format adapter errors into it.
func Errorf(code Code, format string, args ...any) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap tags an adapter error with code. The adapter text stays in the chain for
// logs; PublicMessage never exposes it.
func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return CodeInternal
	}
}

func FieldsOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid_input" || r == "invalid_value" || r == "no_face"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsUnavailable(err error) bool {
	r := reason(CodeOf(err))
	return r == "unavailable" || r == "write_failed"
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case HasCode(err, CodeNoFaceDetected):
		return http.StatusUnprocessableEntity
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case HasCode(err, CodeAuthUnauthorized):
		return http.StatusUnauthorized
	case HasCode(err, CodeAuthForbidden):
		return http.StatusForbidden
	case HasCode(err, CodeStoreWriteFailed):
		return http.StatusInternalServerError
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var publicByCode = map[Code]string{
	CodeNoFaceDetected:         "no face detected in the image",
	CodeStoreWriteFailed:       "the face could not be stored, please retry",
	CodeEmbeddingUnavailable:   "face feature extraction is unavailable",
	CodeVectorIndexUnavailable: "face search is temporarily unavailable",
	CodeMetadataUnavailable:    "face records are temporarily unavailable",
	CodeBlobUnavailable:        "image storage is temporarily unavailable",
	CodeLegacyUnavailable:      "legacy source is unavailable",
	CodeCheckpointUnavailable:  "migration progress is unavailable",
	CodeLegacyImageNotFound:    "legacy image not found",
	CodeMigrationNotFound:      "no progress recorded for this migration",
	CodeCanceled:               "request canceled",
	CodeAuthUnauthorized:       "unauthorized",
	CodeAuthForbidden:          "forbidden",
}

// PublicMessage returns a message that is safe for the operational boundary: it
// never contains store identifiers or raw adapter text.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	code := CodeOf(err)
	if msg, ok := publicByCode[code]; ok {
		return msg
	}
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Public() != "" {
		return oopsErr.Public()
	}
	return "internal error"
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
