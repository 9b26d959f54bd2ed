// Package testutil provides testing utilities and helpers for the render job system.
package testutil

import (
	"encoding/json"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			RenderType:  model.RenderTypeChipCount,
			Template:    "CyprusDesign",
			Composition: "ChipCount",
			Payload:     json.RawMessage(`{"slots": {"1": {"name": "Player One", "chips": "125,000"}}}`),
			Priority:    50,
			MaxRetries:  3,
		},
	}
}

// WithRenderType sets the render type.
func (b *JobRequestBuilder) WithRenderType(renderType model.RenderType) *JobRequestBuilder {
	b.req.RenderType = renderType
	return b
}

// WithTemplate sets the template name.
func (b *JobRequestBuilder) WithTemplate(template string) *JobRequestBuilder {
	b.req.Template = template
	return b
}

// WithComposition sets the composition name.
func (b *JobRequestBuilder) WithComposition(composition string) *JobRequestBuilder {
	b.req.Composition = composition
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithMetadataString sets the job metadata from a string.
func (b *JobRequestBuilder) WithMetadataString(metadata string) *JobRequestBuilder {
	b.req.Metadata = json.RawMessage(metadata)
	return b
}

// WithOutputFormat sets the output format.
func (b *JobRequestBuilder) WithOutputFormat(format model.OutputFormat) *JobRequestBuilder {
	b.req.OutputFormat = format
	return b
}

// WithOutputPath sets an explicit output path.
func (b *JobRequestBuilder) WithOutputPath(path string) *JobRequestBuilder {
	b.req.OutputPath = &path
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// WithUseCache toggles artifact caching for the job.
func (b *JobRequestBuilder) WithUseCache(useCache bool) *JobRequestBuilder {
	b.req.UseCache = &useCache
	return b
}

// WithCallbackURL sets the completion callback URL.
func (b *JobRequestBuilder) WithCallbackURL(url string) *JobRequestBuilder {
	b.req.CallbackURL = &url
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Common test job request presets

// ChipCountJobRequest creates a chip count job request with default values.
func ChipCountJobRequest() *model.CreateJobRequest {
	return NewJobRequest().Build()
}

// LeaderboardJobRequest creates a leaderboard job request with default values.
func LeaderboardJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithRenderType(model.RenderTypeLeaderboard).
		WithComposition("Leaderboard").
		WithPayloadString(`{"slots": {"1": {"name": "Leader", "chips": "500,000"}, "2": {"name": "Chaser", "chips": "310,000"}}}`).
		Build()
}

// HighPriorityJobRequest creates a high priority job request.
func HighPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(100).
		Build()
}

// LowPriorityJobRequest creates a low priority job request.
func LowPriorityJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithPriority(10).
		Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().
		WithMaxRetries(maxRetries).
		Build()
}

// CachedJobRequest creates a job request with caching enabled.
func CachedJobRequest() *model.CreateJobRequest {
	return NewJobRequest().
		WithUseCache(true).
		Build()
}
