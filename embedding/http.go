package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"FACEINDEX/retry"
)

var _ Provider = (*HTTPProvider)(nil)

const maxResponseBytes = 8 << 20

// HTTPProvider calls an external face extractor over HTTP.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
	policy retry.Policy
}

// NewHTTPProvider creates a provider posting to url. apiKey may be empty.
func NewHTTPProvider(url, apiKey string, timeout time.Duration, policy retry.Policy) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		policy: policy,
	}
}

// Extract sends the image and returns the detected faces.
func (p *HTTPProvider) Extract(ctx context.Context, image []byte) ([]Face, error) {
	if len(image) == 0 {
		return nil, retry.Permanent(ErrInvalidImage)
	}

	body, err := json.Marshal(extractRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedding: marshal request: %w", err))
	}

	var faces []Face
	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		out, err := p.post(ctx, body)
		if err != nil {
			return err
		}
		faces = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return faces, nil
}

func (p *HTTPProvider) post(ctx context.Context, body []byte) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedding: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(err)
		}
		return nil, retry.Retryable(fmt.Errorf("embedding: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("embedding: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retry.Retryable(fmt.Errorf("embedding: extractor returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, retry.Permanent(fmt.Errorf("%w: extractor returned %d", ErrInvalidImage, resp.StatusCode))
	default:
		return nil, retry.Permanent(fmt.Errorf("embedding: extractor returned %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}

	var out extractResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedding: unmarshal response: %w", err))
	}
	return out.Faces, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

type extractRequest struct {
	Image string `json:"image"`
}

type extractResponse struct {
	Faces []Face `json:"faces"`
}
