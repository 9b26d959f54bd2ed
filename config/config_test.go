package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
		},
		{
			name:  "single service - reaper",
			input: "reaper",
			expected: map[ServiceMode]bool{
				ServiceModeReaper: true,
			},
		},
		{
			name:  "multiple services",
			input: "worker,health",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeHealth: true,
			},
		},
		{
			name:  "all services",
			input: "worker,reaper,health",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
				ServiceModeHealth: true,
			},
		},
		{
			name:  "whitespace tolerated",
			input: " worker , health ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeHealth: true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "scheduler",
			expectError: true,
		},
		{
			name:        "valid plus invalid",
			input:       "worker,dashboard",
			expectError: true,
		},
		{
			name:        "only separators",
			input:       ", ,",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Fatalf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppConfigDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 {
		t.Fatalf("unexpected postgres defaults: %s:%d", cfg.Postgres.Host, cfg.Postgres.Port)
	}
	if cfg.Postgres.Name != "renderfarm" {
		t.Fatalf("unexpected database name: %s", cfg.Postgres.Name)
	}
	if !cfg.IsWorkerEnabled() || !cfg.IsHealthEnabled() {
		t.Fatal("worker and health should be enabled by default")
	}
	if cfg.IsReaperEnabled() {
		t.Fatal("reaper should not be enabled by default")
	}
	if cfg.Nexrender.URL != "http://localhost:3050" {
		t.Fatalf("unexpected nexrender url: %s", cfg.Nexrender.URL)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.Worker.Concurrency)
	}
	if cfg.Render.ArtifactMinBytes != 1024 {
		t.Fatalf("unexpected artifact minimum: %d", cfg.Render.ArtifactMinBytes)
	}
	if !cfg.Cache.Enabled || cfg.Cache.ArtifactTTL != 24*time.Hour {
		t.Fatalf("unexpected cache defaults: %v %v", cfg.Cache.Enabled, cfg.Cache.ArtifactTTL)
	}
}

func TestWorkerConfigSanitize(t *testing.T) {
	w := WorkerConfig{Concurrency: 0, JobLease: time.Second}
	w.Sanitize()

	if w.Concurrency != 1 {
		t.Fatalf("concurrency should clamp to 1, got %d", w.Concurrency)
	}
	if w.JobLease != 10*time.Second {
		t.Fatalf("job lease should clamp to 10s, got %v", w.JobLease)
	}
	if w.PollInterval != 10*time.Second || w.IdleThreshold != 10 {
		t.Fatalf("zero cadences should take defaults, got %v / %d", w.PollInterval, w.IdleThreshold)
	}
}

func TestReaperConfigSanitize(t *testing.T) {
	r := ReaperConfig{
		Interval:        time.Second,
		PendingMaxAge:   time.Minute,
		AbandonedGrace:  time.Second,
		CompletedMaxAge: time.Minute,
		FailedMaxAge:    time.Minute,
		CancelledMaxAge: time.Minute,
		BatchSize:       50000,
	}
	r.Sanitize()

	if r.Interval != time.Minute {
		t.Fatalf("interval should clamp to 1m, got %v", r.Interval)
	}
	if r.PendingMaxAge != 5*time.Minute {
		t.Fatalf("pending max age should clamp to 5m, got %v", r.PendingMaxAge)
	}
	if r.AbandonedGrace != time.Minute {
		t.Fatalf("abandoned grace should clamp to 1m, got %v", r.AbandonedGrace)
	}
	if r.CompletedMaxAge != time.Hour || r.FailedMaxAge != time.Hour || r.CancelledMaxAge != time.Hour {
		t.Fatal("terminal max ages should clamp to 1h")
	}
	if r.BatchSize != 10000 {
		t.Fatalf("batch size should clamp to 10000, got %d", r.BatchSize)
	}
}

func TestNexrenderConfigSanitize(t *testing.T) {
	n := NexrenderConfig{URL: "  http://render:3050/ ", PollInterval: time.Millisecond, RenderTimeout: time.Second}
	n.Sanitize()

	if n.URL != "http://render:3050" {
		t.Fatalf("url should be trimmed, got %q", n.URL)
	}
	if n.PollInterval != time.Second {
		t.Fatalf("poll interval should clamp to 1s, got %v", n.PollInterval)
	}
	if n.RenderTimeout != time.Minute {
		t.Fatalf("render timeout should clamp to 1m, got %v", n.RenderTimeout)
	}
}

func TestCallbackConfigSanitize(t *testing.T) {
	c := CallbackConfig{
		AllowedHosts: []string{" Hooks.Example.COM ", "", "*.overlay.example"},
		RetryLimit:   -1,
	}
	c.Sanitize()

	want := []string{"hooks.example.com", "*.overlay.example"}
	if !reflect.DeepEqual(c.AllowedHosts, want) {
		t.Fatalf("got hosts %v, want %v", c.AllowedHosts, want)
	}
	if c.RetryLimit != 0 {
		t.Fatalf("retry limit should clamp to 0, got %d", c.RetryLimit)
	}
	if c.Timeout != 10*time.Second {
		t.Fatalf("timeout should default to 10s, got %v", c.Timeout)
	}
}

func TestObservabilityNotificationsSanitize(t *testing.T) {
	t.Run("disabled parent disables slack", func(t *testing.T) {
		c := ObservabilityNotificationsConfig{
			Enabled: false,
			Slack:   SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/x"},
		}
		c.Sanitize()
		if c.Slack.Enabled {
			t.Fatal("slack should be disabled when notifications are disabled")
		}
	})

	t.Run("missing webhook disables slack", func(t *testing.T) {
		c := ObservabilityNotificationsConfig{
			Enabled: true,
			Slack:   SlackNotificationConfig{Enabled: true},
		}
		c.Sanitize()
		if c.Slack.Enabled {
			t.Fatal("slack should be disabled without a webhook URL")
		}
	})

	t.Run("disabled parent disables pagerduty", func(t *testing.T) {
		c := ObservabilityNotificationsConfig{
			Enabled:   false,
			PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "key"},
		}
		c.Sanitize()
		if c.PagerDuty.Enabled {
			t.Fatal("pagerduty should be disabled when notifications are disabled")
		}
	})

	t.Run("missing routing key disables pagerduty", func(t *testing.T) {
		c := ObservabilityNotificationsConfig{
			Enabled:   true,
			PagerDuty: PagerDutyNotificationConfig{Enabled: true},
		}
		c.Sanitize()
		if c.PagerDuty.Enabled {
			t.Fatal("pagerduty should be disabled without a routing key")
		}
	})

	t.Run("pagerduty defaults source and component", func(t *testing.T) {
		c := ObservabilityNotificationsConfig{
			Enabled:   true,
			PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "key", Source: "  ", Component: ""},
		}
		c.Sanitize()
		if c.PagerDuty.Source != "renderfarm" || c.PagerDuty.Component != "renderfarm" {
			t.Fatalf("expected defaults, got source=%q component=%q", c.PagerDuty.Source, c.PagerDuty.Component)
		}
	})
}
