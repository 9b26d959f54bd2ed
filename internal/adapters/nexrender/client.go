// Package nexrender implements the HTTP client for the external nexrender
// rendering service.
package nexrender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/domain/render"
)

// ErrJobNotFound is returned when the renderer no longer knows the job uid.
var ErrJobNotFound = core.ErrRenderJobNotFound

// secretHeader carries the shared secret nexrender-server authenticates with.
const secretHeader = "nexrender-secret"

// Config captures the connection settings for a nexrender server.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Client talks to a nexrender server over its HTTP API.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  *slog.Logger
}

var _ core.RenderClient = (*Client)(nil)

// NewClient builds a nexrender API client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("nexrender base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		secret:  strings.TrimSpace(cfg.Secret),
		client:  hc,
		logger:  logger.With("component", "nexrender_client"),
	}, nil
}

// jobResponse is the subset of the nexrender job document this system reads.
type jobResponse struct {
	UID            string  `json:"uid"`
	State          string  `json:"state"`
	RenderProgress float64 `json:"renderProgress"`
	Error          string  `json:"error"`
}

// Submit posts a job description and returns the renderer-side uid.
func (c *Client) Submit(ctx context.Context, spec *render.JobSpec) (string, error) {
	if spec == nil {
		return "", errors.New("job spec is required")
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode job spec: %w", err)
	}

	var created jobResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &created); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if created.UID == "" {
		return "", errors.New("submit job: renderer returned no uid")
	}

	c.logger.DebugContext(ctx, "job submitted", "nexrender_id", created.UID)
	return created.UID, nil
}

// Status fetches the renderer's current view of a job.
func (c *Client) Status(ctx context.Context, uid string) (*core.RenderStatus, error) {
	if uid == "" {
		return nil, errors.New("job uid is required")
	}

	var job jobResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+uid, nil, &job); err != nil {
		return nil, fmt.Errorf("get job %s: %w", uid, err)
	}

	return &core.RenderStatus{
		State:          job.State,
		RenderProgress: job.RenderProgress,
		Error:          job.Error,
	}, nil
}

// Cancel removes a job from the renderer. A 404 counts as cancelled; the
// renderer already forgot the job.
func (c *Client) Cancel(ctx context.Context, uid string) error {
	if uid == "" {
		return errors.New("job uid is required")
	}

	err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+uid, nil, nil)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("cancel job %s: %w", uid, err)
	}
	return nil
}

// Health checks that the renderer answers its job listing endpoint.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, nil); err != nil {
		return fmt.Errorf("nexrender health: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(secretHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("renderer responded %s", resp.Status)
		}
		return fmt.Errorf("renderer responded %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
