package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/config"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

func callbackTestJob(callbackURL string, status model.JobStatus) *model.RenderJob {
	output := "/srv/output/job-1.mov"
	return &model.RenderJob{
		ID:           "job-1",
		RenderType:   model.RenderTypeCustom,
		Template:     "promo.aep",
		Composition:  "main",
		OutputFormat: model.OutputFormatMOVAlpha,
		OutputPath:   &output,
		Status:       status,
		Progress:     100,
		CallbackURL:  &callbackURL,
		CreatedAt:    time.Now(),
	}
}

func newTestCallbackService(t *testing.T, cfg config.CallbackConfig) *CallbackService {
	t.Helper()
	svc, err := NewCallbackService(CallbackServiceOptions{Config: cfg})
	require.NoError(t, err)
	return svc
}

func TestNewCallbackService(t *testing.T) {
	t.Run("rejects invalid body template", func(t *testing.T) {
		_, err := NewCallbackService(CallbackServiceOptions{
			Config: config.CallbackConfig{BodyTemplate: "status |"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "body template")
	})

	t.Run("accepts empty body template", func(t *testing.T) {
		svc, err := NewCallbackService(CallbackServiceOptions{
			Config: config.CallbackConfig{Enabled: true},
		})
		require.NoError(t, err)
		assert.True(t, svc.Enabled())
	})
}

func TestCallbackService_hostAllowed(t *testing.T) {
	svc := newTestCallbackService(t, config.CallbackConfig{
		AllowedHosts: []string{"hooks.internal.example.com", "*.overlay.example", "acme.co.uk"},
	})

	tests := []struct {
		name    string
		host    string
		allowed bool
	}{
		{"exact match", "hooks.internal.example.com", true},
		{"exact mismatch", "other.internal.example.com", false},
		{"wildcard subdomain", "api.overlay.example", true},
		{"wildcard deep subdomain", "a.b.overlay.example", true},
		{"wildcard base domain", "overlay.example", true},
		{"wildcard partial suffix", "notoverlay.example", false},
		{"registrable domain match", "deep.sub.acme.co.uk", true},
		{"registrable domain mismatch", "acme.org.uk", false},
		{"empty host", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, svc.hostAllowed(tt.host))
		})
	}
}

func TestCallbackService_hostAllowed_emptyAllowlist(t *testing.T) {
	svc := newTestCallbackService(t, config.CallbackConfig{})
	assert.False(t, svc.hostAllowed("hooks.example.com"))
}

func TestCallbackService_Deliver(t *testing.T) {
	t.Run("posts full job record", func(t *testing.T) {
		var received map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"127.0.0.1"},
		})

		job := callbackTestJob(server.URL+"/hooks/render", model.JobStatusCompleted)
		require.NoError(t, svc.Deliver(context.Background(), job))

		assert.Equal(t, "job-1", received["id"])
		assert.Equal(t, string(model.JobStatusCompleted), received["status"])
		assert.Equal(t, "/srv/output/job-1.mov", received["output_path"])
	})

	t.Run("reshapes body through template", func(t *testing.T) {
		var received map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"127.0.0.1"},
			BodyTemplate: "{job_id: id, state: status}",
		})

		job := callbackTestJob(server.URL, model.JobStatusCompleted)
		require.NoError(t, svc.Deliver(context.Background(), job))

		assert.Equal(t, map[string]any{
			"job_id": "job-1",
			"state":  string(model.JobStatusCompleted),
		}, received)
	})

	t.Run("retries before succeeding", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"127.0.0.1"},
			RetryLimit:   2,
		})

		job := callbackTestJob(server.URL, model.JobStatusFailed)
		require.NoError(t, svc.Deliver(context.Background(), job))
		assert.Equal(t, 2, calls)
	})

	t.Run("returns last error when retries exhaust", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"127.0.0.1"},
			RetryLimit:   1,
		})

		job := callbackTestJob(server.URL, model.JobStatusFailed)
		err := svc.Deliver(context.Background(), job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("rejects disallowed host", func(t *testing.T) {
		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"hooks.example.com"},
		})

		job := callbackTestJob("https://evil.example.net/hook", model.JobStatusCompleted)
		err := svc.Deliver(context.Background(), job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "allowlist")
	})

	t.Run("rejects non-http scheme", func(t *testing.T) {
		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"hooks.example.com"},
		})

		job := callbackTestJob("ftp://hooks.example.com/hook", model.JobStatusCompleted)
		err := svc.Deliver(context.Background(), job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheme")
	})

	t.Run("skips non-terminal jobs", func(t *testing.T) {
		svc := newTestCallbackService(t, config.CallbackConfig{
			Enabled:      true,
			AllowedHosts: []string{"hooks.example.com"},
		})

		job := callbackTestJob("https://hooks.example.com/hook", model.JobStatusRendering)
		require.NoError(t, svc.Deliver(context.Background(), job))
	})

	t.Run("skips jobs without callback url", func(t *testing.T) {
		svc := newTestCallbackService(t, config.CallbackConfig{Enabled: true})

		job := callbackTestJob("", model.JobStatusCompleted)
		job.CallbackURL = nil
		require.NoError(t, svc.Deliver(context.Background(), job))
	})

	t.Run("skips when disabled", func(t *testing.T) {
		svc := newTestCallbackService(t, config.CallbackConfig{Enabled: false})

		job := callbackTestJob("https://anywhere.example.com/hook", model.JobStatusCompleted)
		require.NoError(t, svc.Deliver(context.Background(), job))
	})
}
