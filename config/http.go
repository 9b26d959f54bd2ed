package config

import "time"

// HTTPConfig contains the health endpoint configuration.
type HTTPConfig struct {
	// Addr is the address to bind the health endpoint to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ReadTimeout bounds request header reads on the health endpoint.
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`

	// WriteTimeout bounds response writes on the health endpoint.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 5 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 10 * time.Second
	}
}
