package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRejected marks a provider response that will not succeed on retry (4xx).
var ErrRejected = errors.New("encoding provider rejected job")

// DefaultTimeout bounds a single submit call.
const DefaultTimeout = 30 * time.Second

// Request describes one encode submitted to the provider.
type Request struct {
	VideoID      uuid.UUID `json:"video_id"`
	InputURL     string    `json:"input_url"`
	OutputPrefix string    `json:"output_prefix"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	Priority     int       `json:"priority"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Client submits encode jobs to the external encoding provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a provider client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Submit posts the job and returns the provider's job ID. 4xx responses wrap
// ErrRejected; 5xx and transport errors are returned plain so callers retry.
func (c *Client) Submit(ctx context.Context, r Request) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	default:
		return "", fmt.Errorf("submit status: %d", resp.StatusCode)
	}

	var out submitResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	c.logger.Debug("encode job submitted", zap.String("video_id", r.VideoID.String()), zap.String("provider_job_id", out.JobID))
	return out.JobID, nil
}
