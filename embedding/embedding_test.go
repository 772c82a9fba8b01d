package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FACEINDEX/models"
	"FACEINDEX/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestHTTPProvider_Extract_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		assert.Equal(t, "jpeg-bytes", string(raw))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(extractResponse{Faces: []Face{
			{Vector: []float32{0.6, 0.8}, BoundingBox: models.BoundingBox{Left: 0.1, Width: 0.5}, Confidence: 0.97},
		}})
	}))
	defer server.Close()

	p := NewHTTPProvider(server.URL, "key", time.Second, fastPolicy())
	faces, err := p.Extract(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, []float32{0.6, 0.8}, faces[0].Vector)
	assert.Equal(t, 0.97, faces[0].Confidence)
	assert.Equal(t, 0.5, faces[0].BoundingBox.Width)
}

func TestHTTPProvider_Extract_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(extractResponse{Faces: []Face{}})
	}))
	defer server.Close()

	p := NewHTTPProvider(server.URL, "", time.Second, fastPolicy())
	faces, err := p.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Empty(t, faces)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_Extract_ExhaustedIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewHTTPProvider(server.URL, "", time.Second, fastPolicy())
	_, err := p.Extract(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Equal(t, retry.KindRetryable, retry.KindOf(err))
}

func TestHTTPProvider_Extract_InvalidImageNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	p := NewHTTPProvider(server.URL, "", time.Second, fastPolicy())
	_, err := p.Extract(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidImage))
	assert.Equal(t, retry.KindPermanent, retry.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_Extract_EmptyImage(t *testing.T) {
	p := NewHTTPProvider("http://127.0.0.1:0", "", time.Second, fastPolicy())
	_, err := p.Extract(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestDeterministic_SameImageSameVector(t *testing.T) {
	d := NewDeterministic(64)
	a, err := d.Extract(context.Background(), []byte("alice.jpg"))
	require.NoError(t, err)
	b, err := d.Extract(context.Background(), []byte("alice.jpg"))
	require.NoError(t, err)
	c, err := d.Extract(context.Background(), []byte("bob.jpg"))
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, a[0].Vector, b[0].Vector)
	assert.NotEqual(t, a[0].Vector, c[0].Vector)
	assert.Len(t, a[0].Vector, 64)

	var norm float64
	for _, x := range a[0].Vector {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestDeterministic_NoFace(t *testing.T) {
	faces, err := NewDeterministic(8).Extract(context.Background(), []byte("noface-selfie"))
	require.NoError(t, err)
	assert.Empty(t, faces)
}

func TestBest(t *testing.T) {
	assert.Equal(t, -1, Best(nil))
	assert.Equal(t, 1, Best([]Face{{Confidence: 0.5}, {Confidence: 0.9}, {Confidence: 0.7}}))
}
