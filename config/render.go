package config

import (
	"strings"
	"time"
)

// NexrenderConfig contains the external renderer connection configuration.
type NexrenderConfig struct {
	// URL is the nexrender-server base URL.
	URL string `env:"URL" envDefault:"http://localhost:3050"`

	// Secret is the shared secret sent on every renderer request.
	Secret string `env:"SECRET"`

	// Timeout bounds each renderer HTTP request.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// PollInterval is the renderer status poll cadence while a job renders.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// RenderTimeout bounds the whole submit-to-terminal-phase window.
	RenderTimeout time.Duration `env:"RENDER_TIMEOUT" envDefault:"30m"`
}

// Sanitize applies guardrails to renderer configuration values.
func (n *NexrenderConfig) Sanitize() {
	n.URL = strings.TrimRight(strings.TrimSpace(n.URL), "/")
	n.Secret = strings.TrimSpace(n.Secret)
	if n.Timeout <= 0 {
		n.Timeout = 30 * time.Second
	}
	if n.PollInterval < time.Second {
		n.PollInterval = time.Second
	}
	if n.RenderTimeout < time.Minute {
		n.RenderTimeout = time.Minute
	}
}

// RenderConfig contains the render pipeline configuration: where templates,
// layer maps, and finished artifacts live, and how local paths translate to
// the render host's view.
type RenderConfig struct {
	// TemplateDir is the local directory holding .aep project files.
	TemplateDir string `env:"RENDER_TEMPLATE_DIR" envDefault:"/srv/templates"`

	// OutputDir is the local directory finished renders land in.
	OutputDir string `env:"RENDER_OUTPUT_DIR" envDefault:"/srv/output"`

	// FinalDir, when set, is the storage directory verified artifacts are
	// relocated into for jobs without an explicit output path.
	FinalDir string `env:"RENDER_FINAL_DIR"`

	// LayerMapDir is the directory of per-template layer map files.
	LayerMapDir string `env:"RENDER_LAYER_MAP_DIR" envDefault:"/srv/templates/layermaps"`

	// PathMappings is the comma-separated local:host path translation list,
	// e.g. "/srv/templates:C:/renderfarm/templates,/nas/renders://NAS/renders".
	// Empty falls back to the standard deployment layout.
	PathMappings string `env:"RENDER_PATH_MAPPINGS"`

	// AlphaOutputModule is the render-host output module preset for
	// transparent renders.
	AlphaOutputModule string `env:"RENDER_ALPHA_OUTPUT_MODULE" envDefault:"Alpha MOV"`

	// ArtifactMinBytes is the smallest artifact accepted as a real render.
	ArtifactMinBytes int64 `env:"RENDER_ARTIFACT_MIN_BYTES" envDefault:"1024"`
}

// Sanitize applies guardrails to render pipeline configuration values.
func (r *RenderConfig) Sanitize() {
	r.TemplateDir = strings.TrimSpace(r.TemplateDir)
	r.OutputDir = strings.TrimSpace(r.OutputDir)
	r.FinalDir = strings.TrimSpace(r.FinalDir)
	r.LayerMapDir = strings.TrimSpace(r.LayerMapDir)
	if r.AlphaOutputModule == "" {
		r.AlphaOutputModule = "Alpha MOV"
	}
	if r.ArtifactMinBytes < 1 {
		r.ArtifactMinBytes = 1024
	}
}

// CallbackConfig contains completion/failure callback delivery configuration.
type CallbackConfig struct {
	// Enabled controls whether terminal transitions are delivered to job
	// callback URLs at all.
	Enabled bool `env:"ENABLED" envDefault:"true"`

	// Timeout bounds each callback HTTP request.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`

	// RetryLimit is the number of extra delivery attempts after the first.
	RetryLimit int `env:"RETRY_LIMIT" envDefault:"3"`

	// AllowedHosts is the comma-separated callback host allowlist. Entries
	// are exact hosts, "*.domain" wildcards, or bare registrable domains
	// (matched against the URL host's eTLD+1). Empty allows nothing.
	AllowedHosts []string `env:"ALLOWED_HOSTS" envSeparator:","`

	// BodyTemplate is an optional JMESPath expression over the job record
	// that selects/reshapes the webhook payload. Empty sends the full
	// status document.
	BodyTemplate string `env:"BODY_TEMPLATE"`

	// OAuth2 client-credentials settings for authenticated delivery.
	// Enabled when TokenURL is set.
	OAuthTokenURL     string   `env:"OAUTH_TOKEN_URL"`
	OAuthClientID     string   `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string `env:"OAUTH_SCOPES" envSeparator:","`
}

// Sanitize applies guardrails to callback configuration values.
func (c *CallbackConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	hosts := c.AllowedHosts[:0]
	for _, h := range c.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	c.AllowedHosts = hosts

	c.OAuthTokenURL = strings.TrimSpace(c.OAuthTokenURL)
	c.BodyTemplate = strings.TrimSpace(c.BodyTemplate)
}
