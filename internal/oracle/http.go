package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// DefaultHTTPTimeout bounds one call to a model server.
const DefaultHTTPTimeout = 10 * time.Second

// maxResponseBytes bounds the body read from a model server.
const maxResponseBytes = 1 << 20

// HTTPOracle calls a model server that accepts a ModalityInput as JSON and
// answers with a RawResult.
type HTTPOracle struct {
	modality models.Modality
	url      string
	client   *http.Client
}

// HTTPOption configures an HTTPOracle.
type HTTPOption func(*HTTPOracle)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOracle) {
		if c != nil {
			o.client = c
		}
	}
}

// NewHTTPOracle creates an oracle for one modality backed by url.
func NewHTTPOracle(modality models.Modality, url string, opts ...HTTPOption) (*HTTPOracle, error) {
	if !models.IsValidModality(modality) {
		return nil, fmt.Errorf("unknown modality %q: %w", modality, models.ErrInvalidInput)
	}
	if url == "" {
		return nil, fmt.Errorf("%s oracle url is required: %w", modality, models.ErrInvalidInput)
	}
	o := &HTTPOracle{
		modality: modality,
		url:      url,
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Score posts the payload. Network errors and 5xx/429 answers are
// ErrOracleUnavailable; other 4xx answers mean the payload was rejected and
// are ErrInvalidInput.
func (o *HTTPOracle) Score(ctx context.Context, modality models.Modality, in models.ModalityInput) (models.RawResult, error) {
	if modality != o.modality {
		return models.RawResult{}, fmt.Errorf("%s oracle cannot score %s: %w", o.modality, modality, models.ErrOracleUnavailable)
	}
	in.Modality = modality
	body, err := json.Marshal(in)
	if err != nil {
		return models.RawResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return models.RawResult{}, fmt.Errorf("build request: %v: %w", err, models.ErrOracleUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		slog.Warn("HTTPOracle.Score: request failed", "modality", modality, "error", err)
		return models.RawResult{}, fmt.Errorf("%s oracle: %v: %w", modality, err, models.ErrOracleUnavailable)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.RawResult{}, fmt.Errorf("%s oracle read: %v: %w", modality, err, models.ErrOracleUnavailable)
	}
	slog.Debug("HTTPOracle.Score: response", "modality", modality, "status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return models.RawResult{}, fmt.Errorf("%s oracle status %d: %w", modality, resp.StatusCode, models.ErrOracleUnavailable)
	case resp.StatusCode >= 400:
		return models.RawResult{}, fmt.Errorf("%s oracle rejected payload (status %d): %w", modality, resp.StatusCode, models.ErrInvalidInput)
	}

	var raw models.RawResult
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.RawResult{}, fmt.Errorf("%s oracle returned invalid JSON: %v: %w", modality, err, models.ErrOracleUnavailable)
	}
	return raw, nil
}
