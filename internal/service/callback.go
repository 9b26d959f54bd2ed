// Package service contains the business logic layer between the HTTP/worker
// adapters and the data repositories.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/overlayfx/renderfarm/config"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// callbackBackoffStep is the base delay between delivery attempts.
const callbackBackoffStep = 200 * time.Millisecond

// CallbackServiceOptions groups dependencies for CallbackService.
type CallbackServiceOptions struct {
	Config config.CallbackConfig // Required: callback delivery configuration
	Logger *slog.Logger          // Optional: structured logger
	Client *http.Client          // Optional: base HTTP client (tests)
}

// CallbackService delivers terminal job transitions to the job's callback URL.
//
// Delivery is best effort: the callback host must pass the configured
// allowlist, the body is optionally reshaped through a JMESPath template over
// the job record, and failures are retried with linear backoff. A delivery
// failure never alters job state.
type CallbackService struct {
	cfg    config.CallbackConfig
	logger *slog.Logger
	client *http.Client
}

// NewCallbackService constructs a new CallbackService.
// The body template, when present, is compiled up front so a bad expression
// fails at wiring time rather than on the first terminal job.
func NewCallbackService(opts CallbackServiceOptions) (*CallbackService, error) {
	cfg := opts.Config

	if expr := strings.TrimSpace(cfg.BodyTemplate); expr != "" {
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid callback body template: %w", err)
		}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	if cfg.OAuthTokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		// Token requests reuse the base client so its timeout applies.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(tokenCtx)
		client.Timeout = cfg.Timeout
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "callback_service")
		logger.Debug("CallbackService initialized",
			"enabled", cfg.Enabled,
			"allowed_hosts", len(cfg.AllowedHosts),
			"oauth", cfg.OAuthTokenURL != "",
		)
	}

	return &CallbackService{
		cfg:    cfg,
		logger: logger,
		client: client,
	}, nil
}

// Enabled reports whether terminal transitions should attempt delivery at all.
func (s *CallbackService) Enabled() bool {
	return s.cfg.Enabled
}

// Deliver posts the job's terminal state to its callback URL.
// Jobs without a callback URL, and non-terminal jobs, are skipped silently.
func (s *CallbackService) Deliver(ctx context.Context, job *model.RenderJob) error {
	if !s.cfg.Enabled || job == nil || job.CallbackURL == nil {
		return nil
	}
	if !job.Status.Terminal() {
		return nil
	}

	rawURL := strings.TrimSpace(*job.CallbackURL)
	if rawURL == "" {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid callback url scheme: %s", u.Scheme)
	}
	if !s.hostAllowed(u.Hostname()) {
		return fmt.Errorf("callback host %q is not on the allowlist", u.Hostname())
	}

	body, err := s.buildBody(job)
	if err != nil {
		return err
	}

	attempts := s.cfg.RetryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = s.post(ctx, rawURL, body)
		if err == nil {
			if s.logger != nil {
				s.logger.InfoContext(ctx, "callback delivered",
					"job_id", job.ID,
					"status", job.Status,
					"host", u.Hostname(),
					"attempts", attempt+1,
				)
			}
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			// Simple linear backoff to avoid thundering retries.
			delay := time.Duration(attempt+1) * callbackBackoffStep
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("deliver callback for job %s: %w", job.ID, lastErr)
}

// hostAllowed checks the host against the configured allowlist. Entries are
// exact hosts, "*.domain" wildcards, or bare registrable domains matched
// against the host's eTLD+1. An empty allowlist allows nothing.
func (s *CallbackService) hostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	for _, pattern := range s.cfg.AllowedHosts {
		if matchCallbackHost(host, pattern) {
			return true
		}
	}
	return false
}

func matchCallbackHost(host, pattern string) bool {
	if pattern == "" {
		return false
	}
	if host == pattern {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		base := pattern[2:]
		if base == "" {
			return false
		}
		if host == base {
			return true
		}
		return strings.HasSuffix(host, "."+base)
	}

	// Bare registrable domain: match any host under it. A pattern that
	// carries subdomain labels only ever matches exactly.
	if etldPlusOne(pattern) != pattern {
		return false
	}
	return etldPlusOne(host) == pattern
}

func etldPlusOne(domain string) string {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return ""
	}
	return etld1
}

// buildBody marshals the job record and optionally reshapes it through the
// configured JMESPath template. Without a template the full record is sent.
func (s *CallbackService) buildBody(job *model.RenderJob) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode callback payload: %w", err)
	}

	expr := strings.TrimSpace(s.cfg.BodyTemplate)
	if expr == "" {
		return raw, nil
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode callback payload: %w", err)
	}

	result, err := jmespath.Search(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate callback body template: %w", err)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode derived callback body: %w", err)
	}
	return body, nil
}

func (s *CallbackService) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handleCallbackErrorResponse(resp)
	}

	return drainCallbackSuccess(resp)
}

func drainCallbackSuccess(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain callback response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain callback response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func handleCallbackErrorResponse(resp *http.Response) error {
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read callback error response: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read callback error response: %w", readErr)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return fmt.Errorf("callback endpoint %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
}
