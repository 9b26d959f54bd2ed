// Package core provides the business logic and service layer for the renderfarm job system.
package core

import (
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// RenderType represents the broadcast graphic category of a job (re-exported
// from the model package for use in HTTP handlers without direct coupling).
type RenderType = model.RenderType

// CreateJobRequest represents a request to enqueue a new render job
// (re-exported from the model package for the same reason).
type CreateJobRequest = model.CreateJobRequest
