package controllers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/apperr"
)

func TestDecodeImage(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 0xfb}

	tests := []struct {
		name  string
		input string
	}{
		{"std", base64.StdEncoding.EncodeToString(raw)},
		{"raw std", base64.RawStdEncoding.EncodeToString(raw)},
		{"url", base64.URLEncoding.EncodeToString(raw)},
		{"raw url", base64.RawURLEncoding.EncodeToString(raw)},
		{"data uri", "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)},
		{"padded with whitespace", "  " + base64.StdEncoding.EncodeToString(raw) + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeImage(tt.input)
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}

	_, err := DecodeImage("not*base64")
	assert.True(t, apperr.HasCode(err, apperr.CodeInputInvalid))
}

func TestErrorHidesCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	cause := assert.AnError
	Error(c, apperr.Wrap(cause, apperr.CodeMetadataUnavailable, "metadata store unavailable"))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(apperr.CodeMetadataUnavailable), body["code"])
	assert.NotContains(t, body["error"], cause.Error())
}
