// Package mocks provides mock implementations for testing the renderfarm job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, Claim, WaitForNotification, MarkPreparing, MarkSubmitted,
// SetRenderState, Complete, Fail, Release, Cancel, Stats, List, Delete
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/overlayfx/renderfarm/internal/core JobRepository

// Generate mock for RenderClient interface from internal/core package.
// This creates MockRenderClient with methods for all RenderClient interface methods:
// Submit, Status, Cancel, Health
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=render_client_mock.go github.com/overlayfx/renderfarm/internal/core RenderClient
