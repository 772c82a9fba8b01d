// Package controllers holds what every handler shares: error bodies and
// image decoding. The handlers live in the sub-packages.
package controllers

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"FACEINDEX/apperr"
	"FACEINDEX/config"
)

// Error writes err as {"error", "code"} with the matching status. Raw store
// errors never reach the body.
func Error(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "code", apperr.CodeOf(err), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": apperr.PublicMessage(err),
		"code":  apperr.CodeOf(err),
	})
}

// BadRequest reports a body that could not be bound.
func BadRequest(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "request body too large",
			"code":  apperr.CodeInputInvalid,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": "invalid request body: " + err.Error(),
		"code":  apperr.CodeInputInvalid,
	})
}

// DecodeImage accepts standard or URL base64, with or without a data URI
// prefix.
func DecodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, apperr.New(apperr.CodeInputInvalid, "image must be base64 encoded")
}

// CurrentUser returns the claims the auth middleware stored, if any.
func CurrentUser(c *gin.Context) (*config.JWTClaims, bool) {
	v, ok := c.Get("currentUser")
	if !ok {
		return nil, false
	}
	claims, ok := v.(*config.JWTClaims)
	return claims, ok
}
