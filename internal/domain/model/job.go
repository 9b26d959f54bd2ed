// Package model defines the core data types and structures used throughout the renderfarm job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a render job.
type JobStatus string

// OutputFormat represents the requested output container/codec profile.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type OutputFormat string

// RenderType categorizes the broadcast graphic a job produces.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type RenderType string

const (
	// JobStatusPending indicates a job is waiting to be claimed.
	JobStatusPending JobStatus = "pending"
	// JobStatusPreparing indicates a worker holds the job and is building the render description.
	JobStatusPreparing JobStatus = "preparing"
	// JobStatusRendering indicates the external renderer is working on the job.
	JobStatusRendering JobStatus = "rendering"
	// JobStatusEncoding indicates the renderer is encoding the output.
	JobStatusEncoding JobStatus = "encoding"
	// JobStatusUploading indicates the artifact is being verified and relocated.
	JobStatusUploading JobStatus = "uploading"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed permanently.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by an external request.
	JobStatusCancelled JobStatus = "cancelled"
)

const (
	// OutputFormatMP4 is an H.264 MP4 container.
	OutputFormatMP4 OutputFormat = "mp4"
	// OutputFormatMOV is a QuickTime container without alpha.
	OutputFormatMOV OutputFormat = "mov"
	// OutputFormatMOVAlpha is a QuickTime container with a transparent background.
	// This is the default when a submitter does not request a format.
	OutputFormatMOVAlpha OutputFormat = "mov_alpha"
	// OutputFormatPNGSequence is a numbered PNG frame sequence.
	OutputFormatPNGSequence OutputFormat = "png_sequence"
)

const (
	RenderTypeChipCount   RenderType = "chip_count"
	RenderTypeLeaderboard RenderType = "leaderboard"
	RenderTypePlayerInfo  RenderType = "player_info"
	RenderTypeHandReplay  RenderType = "hand_replay"
	RenderTypeElimination RenderType = "elimination"
	RenderTypePayout      RenderType = "payout"
	RenderTypeCustom      RenderType = "custom"
)

// DefaultOutputFormat is applied when a submission omits the output format.
const DefaultOutputFormat = OutputFormatMOVAlpha

// ErrNoJobsAvailable is returned when no jobs are eligible for claiming.
var ErrNoJobsAvailable = errors.New("no jobs available")

// ErrLeaseLost is returned when an owner-conditional write matched no row,
// meaning another worker claimed the job after this worker's lease expired.
var ErrLeaseLost = errors.New("job lease lost")

// ErrRenderTimeout is returned when the renderer does not reach a terminal
// phase within the configured render timeout.
var ErrRenderTimeout = errors.New("render timeout exceeded")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusPreparing, JobStatusRendering, JobStatusEncoding,
		JobStatusUploading, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true when the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the OutputFormat is valid.
func (f OutputFormat) Valid() bool {
	switch f {
	case OutputFormatMP4, OutputFormatMOV, OutputFormatMOVAlpha, OutputFormatPNGSequence:
		return true
	}
	return false
}

// Ext returns the artifact file extension for the format, without the dot.
func (f OutputFormat) Ext() string {
	switch f {
	case OutputFormatMP4:
		return "mp4"
	case OutputFormatMOV, OutputFormatMOVAlpha:
		return "mov"
	case OutputFormatPNGSequence:
		return "png"
	}
	return "mp4"
}

// Transparent returns true when the format renders with a transparent background.
func (f OutputFormat) Transparent() bool {
	return f == OutputFormatMOVAlpha
}

// UnmarshalText implements encoding.TextUnmarshaler for OutputFormat to allow env parsing.
func (f *OutputFormat) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	of := OutputFormat(v)
	if of.Valid() {
		*f = of
		return nil
	}
	return fmt.Errorf("invalid OutputFormat: %q", v)
}

// Valid returns true if the RenderType is valid.
func (t RenderType) Valid() bool {
	switch t {
	case RenderTypeChipCount, RenderTypeLeaderboard, RenderTypePlayerInfo,
		RenderTypeHandReplay, RenderTypeElimination, RenderTypePayout, RenderTypeCustom:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for RenderType to allow env parsing.
func (t *RenderType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	rt := RenderType(v)
	if rt.Valid() {
		*t = rt
		return nil
	}
	return fmt.Errorf("invalid RenderType: %q", v)
}

// RenderJob represents a render job in the queue with all its metadata and
// coordination state. The payload is opaque to the queue; only the pipeline
// builder interprets it.
type RenderJob struct {
	ID               string          `json:"id"                           db:"id"`
	RenderType       RenderType      `json:"render_type"                  db:"render_type"`
	Template         string          `json:"template"                     db:"template"`
	Composition      string          `json:"composition"                  db:"composition"`
	Payload          json.RawMessage `json:"payload"                      db:"payload"`
	Metadata         json.RawMessage `json:"metadata"                     db:"metadata"`
	OutputFormat     OutputFormat    `json:"output_format"                db:"output_format"`
	OutputPath       *string         `json:"output_path,omitempty"        db:"output_path"`
	OutputFileSize   *int64          `json:"output_file_size,omitempty"   db:"output_file_size"`
	RenderDurationMS *int64          `json:"render_duration_ms,omitempty" db:"render_duration_ms"`
	Status           JobStatus       `json:"status"                       db:"status"`
	Progress         int             `json:"progress"                     db:"progress"`
	NexrenderID      *string         `json:"nexrender_id,omitempty"       db:"nexrender_id"`
	NexrenderState   *string         `json:"nexrender_state,omitempty"    db:"nexrender_state"`
	ErrorMessage     *string         `json:"error_message,omitempty"      db:"error_message"`
	ErrorCategory    *string         `json:"error_category,omitempty"     db:"error_category"`
	RetryCount       int             `json:"retry_count"                  db:"retry_count"`
	MaxRetries       int             `json:"max_retries"                  db:"max_retries"`
	Priority         int             `json:"priority"                     db:"priority"`
	Owner            *string         `json:"owner,omitempty"              db:"owner"`
	WorkerHost       *string         `json:"worker_host,omitempty"        db:"worker_host"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"   db:"lease_expires_at"`
	RecoveryCount    int             `json:"recovery_count"               db:"recovery_count"`
	UseCache         bool            `json:"use_cache"                    db:"use_cache"`
	DataHash         *string         `json:"data_hash,omitempty"          db:"data_hash"`
	CacheHit         bool            `json:"cache_hit"                    db:"cache_hit"`
	CachedOutputPath *string         `json:"cached_output_path,omitempty" db:"cached_output_path"`
	CallbackURL      *string         `json:"callback_url,omitempty"       db:"callback_url"`
	StartedAt        *time.Time      `json:"started_at,omitempty"         db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"       db:"completed_at"`
	CreatedAt        time.Time       `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                   db:"updated_at"`
}

// Leased reports whether the job carries a lease that is still valid at now.
func (j *RenderJob) Leased(now time.Time) bool {
	return j.Owner != nil && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// CreateJobRequest represents a request to enqueue a new render job.
type CreateJobRequest struct {
	RenderType   RenderType      `json:"render_type,omitempty"`
	Template     string          `json:"template"`
	Composition  string          `json:"composition"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	OutputFormat OutputFormat    `json:"output_format,omitempty"`
	OutputPath   *string         `json:"output_path,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	MaxRetries   int             `json:"max_retries"`
	UseCache     *bool           `json:"use_cache,omitempty"`
	CallbackURL  *string         `json:"callback_url,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Template) == "" {
		return errors.New("template is required")
	}
	if strings.TrimSpace(r.Composition) == "" {
		return errors.New("composition is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.RenderType != "" && !r.RenderType.Valid() {
		return fmt.Errorf("invalid render type: %q", r.RenderType)
	}
	if r.OutputFormat != "" && !r.OutputFormat.Valid() {
		return fmt.Errorf("invalid output format: %q", r.OutputFormat)
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// Normalize applies submission defaults: the transparent output profile,
// the custom render type, and caching enabled.
func (r *CreateJobRequest) Normalize() {
	if r.RenderType == "" {
		r.RenderType = RenderTypeCustom
	}
	if r.OutputFormat == "" {
		r.OutputFormat = DefaultOutputFormat
	}
	if r.UseCache == nil {
		enabled := true
		r.UseCache = &enabled
	}
}

// JobStats represents counts of jobs per status plus queue age information.
type JobStats struct {
	Pending          int     `json:"pending"`
	Preparing        int     `json:"preparing"`
	Rendering        int     `json:"rendering"`
	Encoding         int     `json:"encoding"`
	Uploading        int     `json:"uploading"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Cancelled        int     `json:"cancelled"`
	OldestPendingSec float64 `json:"oldest_pending_sec"`
}

// Active returns the number of jobs currently held by workers.
func (s *JobStats) Active() int {
	return s.Preparing + s.Rendering + s.Encoding + s.Uploading
}

// JobStatusResponse represents the status information exposed for a specific job.
type JobStatusResponse struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	NexrenderState *string    `json:"nexrender_state,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StatusResponse projects the job onto its externally visible status fields.
func (j *RenderJob) StatusResponse() JobStatusResponse {
	return JobStatusResponse{
		ID:             j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		NexrenderState: j.NexrenderState,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}
