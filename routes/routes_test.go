package routes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/blobstore"
	"FACEINDEX/checkpoint"
	"FACEINDEX/config"
	"FACEINDEX/embedding"
	"FACEINDEX/engine"
	"FACEINDEX/legacy"
	"FACEINDEX/metastore"
	"FACEINDEX/vectorindex"
)

const (
	testKey = "test-signing-key"
	dim     = 32
)

type server struct {
	t      *testing.T
	router http.Handler
	legacy *legacy.Memory
	user   string
	admin  string
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	src := legacy.NewMemory()
	e, err := engine.New(engine.Deps{
		Embedder:    embedding.NewDeterministic(dim),
		Vectors:     vectorindex.NewMemory(dim),
		Meta:        metastore.NewMemory(),
		Blobs:       blobstore.NewMemory(),
		Legacy:      src,
		Checkpoints: checkpoint.NewMemory(),
		Logger:      logger,
	}, engine.Options{Dimension: dim})
	require.NoError(t, err)
	require.NoError(t, e.Collections.EnsureDefault(context.Background()))

	cfg := &config.Config{Server: config.ServerConfig{
		JWTKey:       testKey,
		CORSOrigins:  []string{"*"},
		MaxBodyBytes: 1 << 20,
		GinMode:      "test",
	}}
	return &server{
		t:      t,
		router: SetupRouter(cfg, e, logger),
		legacy: src,
		user:   sign(t, "alice", "user", testKey),
		admin:  sign(t, "root", "admin", testKey),
	}
}

func sign(t *testing.T, username, role, key string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, config.JWTClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func (s *server) do(method, path, token string, body any) (int, map[string]any) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestHealthIsPublic(t *testing.T) {
	s := newServer(t)
	code, body := s.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAuth(t *testing.T) {
	s := newServer(t)

	code, body := s.do(http.MethodGet, "/api/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "server.auth.unauthorized", body["code"])

	code, _ = s.do(http.MethodGet, "/api/v1/stats", sign(t, "eve", "admin", "wrong-key"), nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(http.MethodGet, "/api/v1/stats", s.user, nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(http.MethodPost, "/api/v1/collections", s.user, map[string]any{"collection_id": "x"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "server.auth.forbidden", body["code"])
}

func TestIndexSearchDelete(t *testing.T) {
	s := newServer(t)

	// Index twice; the user defaults to the token's username.
	code, first := s.do(http.MethodPost, "/api/v1/faces", s.user, map[string]any{
		"image":    b64("selfie"),
		"metadata": map[string]string{"device": "kiosk-1"},
	})
	require.Equal(t, http.StatusCreated, code, first)
	assert.Equal(t, "alice", first["user_id"])
	assert.Equal(t, "default", first["collection_id"])
	assert.EqualValues(t, 1, first["detection_count"])

	code, _ = s.do(http.MethodPost, "/api/v1/faces", s.user, map[string]any{"image": b64("selfie")})
	require.Equal(t, http.StatusCreated, code)

	// Search by image.
	code, res := s.do(http.MethodPost, "/api/v1/search", s.user, map[string]any{
		"search_type":          "by_image",
		"image":                b64("selfie"),
		"similarity_threshold": 0.9,
	})
	require.Equal(t, http.StatusOK, code, res)
	assert.EqualValues(t, 2, res["count"])

	// Search by face id excludes the source face.
	faceID := first["face_id"].(string)
	code, res = s.do(http.MethodPost, "/api/v1/search", s.user, map[string]any{
		"search_type": "by_face_id",
		"face_id":     faceID,
	})
	require.Equal(t, http.StatusOK, code, res)
	assert.EqualValues(t, 1, res["count"])

	// Delete, twice.
	path := "/api/v1/collections/default/faces/" + faceID
	code, res = s.do(http.MethodDelete, path, s.user, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, res["deleted"])
	assert.Equal(t, false, res["partial"])

	code, res = s.do(http.MethodDelete, path, s.user, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, res["deleted"])
}

func TestErrorsAreMappedToStatus(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"no face", http.MethodPost, "/api/v1/faces",
			map[string]any{"image": b64("noface-wall"), "user_id": "u1"},
			http.StatusUnprocessableEntity, "face.detect.no_face"},
		{"image not base64", http.MethodPost, "/api/v1/faces",
			map[string]any{"image": "%%%", "user_id": "u1"},
			http.StatusBadRequest, "face.input.invalid_input"},
		{"missing image", http.MethodPost, "/api/v1/faces",
			map[string]any{"user_id": "u1"},
			http.StatusBadRequest, "face.input.invalid_input"},
		{"unknown search type", http.MethodPost, "/api/v1/search",
			map[string]any{"search_type": "by_voice"},
			http.StatusBadRequest, "face.input.invalid_input"},
		{"threshold out of range", http.MethodPost, "/api/v1/search",
			map[string]any{"image": b64("x"), "similarity_threshold": 2},
			http.StatusBadRequest, "face.input.invalid_input"},
		{"unknown face id", http.MethodPost, "/api/v1/search",
			map[string]any{"face_id": "nope"},
			http.StatusNotFound, "face.get.not_found"},
		{"unknown collection", http.MethodGet, "/api/v1/collections/nope", nil,
			http.StatusNotFound, "collection.get.not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(tt.method, tt.path, s.user, tt.body)
			assert.Equal(t, tt.status, code, body)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s := newServer(t)
	code, body := s.do(http.MethodPost, "/api/v1/faces", s.user, map[string]any{
		"image":   strings.Repeat("A", 2<<20),
		"user_id": "u1",
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Equal(t, "face.input.invalid_input", body["code"])
}

func TestCollectionAdministration(t *testing.T) {
	s := newServer(t)

	code, body := s.do(http.MethodPost, "/api/v1/collections", s.admin, map[string]any{
		"collection_id": "visitors",
		"name":          "Visitors",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "Visitors", body["name"])

	code, body = s.do(http.MethodPost, "/api/v1/collections", s.admin, map[string]any{"collection_id": "visitors"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "collection.create.conflict", body["code"])

	code, _ = s.do(http.MethodPost, "/api/v1/faces", s.user, map[string]any{
		"image": b64("guest"), "collection_id": "visitors",
	})
	require.Equal(t, http.StatusCreated, code)

	code, body = s.do(http.MethodDelete, "/api/v1/collections/visitors", s.admin, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "collection.delete.conflict", body["code"])

	code, body = s.do(http.MethodPut, "/api/v1/collections/visitors", s.admin, map[string]any{"description": "front desk"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "front desk", body["description"])

	code, body = s.do(http.MethodGet, "/api/v1/collections", s.user, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])

	code, body = s.do(http.MethodGet, "/api/v1/stats", s.user, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total_faces"])
	assert.EqualValues(t, 2, body["total_collections"])
}

func TestMigrationEndpoints(t *testing.T) {
	s := newServer(t)
	for _, ref := range []string{"a", "b", "c"} {
		s.legacy.Add("uploads/", legacy.Record{Ref: ref, ImageKey: ref, UserID: "u-" + ref}, []byte("img-"+ref))
	}

	code, body := s.do(http.MethodPost, "/api/v1/admin/migrations", s.admin, map[string]any{
		"source_ref": "uploads/",
		"batch_size": 2,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["migrated"])
	assert.Equal(t, false, body["done"])

	code, body = s.do(http.MethodPost, "/api/v1/admin/migrations", s.admin, map[string]any{
		"source_ref":   "uploads/",
		"batch_size":   2,
		"resume_token": body["resume_token"],
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["migrated"])
	assert.Equal(t, true, body["done"])

	code, body = s.do(http.MethodGet, "/api/v1/admin/migrations/progress?source_ref=uploads/", s.admin, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 3, body["records_migrated"])

	code, body = s.do(http.MethodGet, "/api/v1/admin/migrations/progress", s.admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = s.do(http.MethodPost, "/api/v1/admin/migrations", s.admin, map[string]any{
		"source_ref":   "uploads/",
		"resume_token": "garbage",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "migration.token.invalid_input", body["code"])
}

func TestVerifyEndpoint(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(http.MethodPost, "/api/v1/faces", s.user, map[string]any{"image": b64("alice-front")})
	require.Equal(t, http.StatusCreated, code)

	code, body := s.do(http.MethodPost, "/api/v1/verify", s.user, map[string]any{"image": b64("alice-front")})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["match"])
	assert.Equal(t, "alice", body["user_id"])

	code, body = s.do(http.MethodPost, "/api/v1/verify", s.user, map[string]any{"image": b64("someone-else")})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["match"])
	assert.Contains(t, body["message"], "not recognised")
}
