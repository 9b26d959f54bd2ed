package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/config"
	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// mockReaperRepo is a simple mock implementation for testing.
type mockReaperRepo struct {
	failStalePendingJobsCalled int
	failStalePendingJobsCount  int64
	failStalePendingJobsError  error

	failAbandonedJobsCalled int
	failAbandonedJobsCount  int64
	failAbandonedJobsError  error
	failAbandonedJobsParams core.FailAbandonedJobsParams

	deleteOldJobsCalled int
	deleteOldJobsCount  int64
	deleteOldJobsError  error
	deleteOldJobsParams []core.DeleteOldJobsParams
}

func (m *mockReaperRepo) FailStalePendingJobs(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	m.failStalePendingJobsCalled++
	if m.failStalePendingJobsError != nil {
		return 0, m.failStalePendingJobsError
	}
	// Return count on first call, then 0 to simulate batch exhaustion
	if m.failStalePendingJobsCalled == 1 {
		return m.failStalePendingJobsCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) FailAbandonedJobs(
	ctx context.Context,
	params core.FailAbandonedJobsParams,
) (int64, error) {
	m.failAbandonedJobsCalled++
	m.failAbandonedJobsParams = params
	if m.failAbandonedJobsError != nil {
		return 0, m.failAbandonedJobsError
	}
	if m.failAbandonedJobsCalled == 1 {
		return m.failAbandonedJobsCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) DeleteOldJobs(
	ctx context.Context,
	params core.DeleteOldJobsParams,
) (int64, error) {
	m.deleteOldJobsCalled++
	m.deleteOldJobsParams = append(m.deleteOldJobsParams, params)
	if m.deleteOldJobsError != nil {
		return 0, m.deleteOldJobsError
	}
	// Return count on odd calls (1st, 3rd, 5th...), then 0 on even calls to simulate batch exhaustion.
	// This allows each terminal status to get its own non-empty batch.
	if m.deleteOldJobsCalled%2 == 1 {
		return m.deleteOldJobsCount, nil
	}
	return 0, nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        5 * time.Minute,
		PendingMaxAge:   1 * time.Hour,
		AbandonedGrace:  10 * time.Minute,
		CompletedMaxAge: 7 * 24 * time.Hour,
		FailedMaxAge:    7 * 24 * time.Hour,
		CancelledMaxAge: 3 * 24 * time.Hour,
		BatchSize:       1000,
	}
}

func TestNewReaperService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   &mockReaperRepo{},
			Config: testReaperConfig(),
			Logger: slog.Default(),
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{
			Repo:   nil,
			Config: testReaperConfig(),
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ReaperRepository is required")
	})
}

func TestReaperService_runCleanup(t *testing.T) {
	t.Run("runs all cleanup operations successfully", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStalePendingJobsCount: 5,
			failAbandonedJobsCount:    2,
			deleteOldJobsCount:        10,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		err := svc.runCleanup(ctx)

		require.NoError(t, err)
		// Each operation is called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.failStalePendingJobsCalled)
		assert.Equal(t, 2, repo.failAbandonedJobsCalled)
		// DeleteOldJobs runs per terminal status (completed, failed, cancelled): 3 * 2 = 6
		assert.Equal(t, 6, repo.deleteOldJobsCalled)
	})

	t.Run("deletes each terminal status with its own max age", func(t *testing.T) {
		repo := &mockReaperRepo{}
		cfg := testReaperConfig()

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		require.NoError(t, svc.runCleanup(context.Background()))

		require.Len(t, repo.deleteOldJobsParams, 3)
		assert.Equal(t, model.JobStatusCompleted, repo.deleteOldJobsParams[0].Status)
		assert.Equal(t, cfg.CompletedMaxAge, repo.deleteOldJobsParams[0].MaxAge)
		assert.Equal(t, model.JobStatusFailed, repo.deleteOldJobsParams[1].Status)
		assert.Equal(t, cfg.FailedMaxAge, repo.deleteOldJobsParams[1].MaxAge)
		assert.Equal(t, model.JobStatusCancelled, repo.deleteOldJobsParams[2].Status)
		assert.Equal(t, cfg.CancelledMaxAge, repo.deleteOldJobsParams[2].MaxAge)
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStalePendingJobsError: errors.New("fail error"),
			deleteOldJobsCount:        10,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		err := svc.runCleanup(ctx)

		// Should return error but still call all cleanup methods
		require.Error(t, err)
		// FailStalePendingJobs called once (returns error immediately)
		assert.Equal(t, 1, repo.failStalePendingJobsCalled)
		assert.Equal(t, 2, repo.failAbandonedJobsCalled)
		// DeleteOldJobs still runs per status: 3 * 2 = 6
		assert.Equal(t, 6, repo.deleteOldJobsCalled)
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		repo := &mockReaperRepo{}
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		ctx, cancel := context.WithCancel(context.Background())

		// Run in goroutine
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		// Wait a bit to ensure at least one cleanup runs
		time.Sleep(150 * time.Millisecond)

		// Cancel context
		cancel()

		// Wait for Run to return
		select {
		case err := <-done:
			// Should return nil on graceful shutdown
			require.NoError(t, err)
		case <-time.After(1 * time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		// Verify cleanup was called at least once (initial + maybe one tick)
		assert.GreaterOrEqual(t, repo.failStalePendingJobsCalled, 1)
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStalePendingJobsError: errors.New("test error"),
		}
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)

		// Should return context deadline exceeded, not the cleanup error
		require.Error(t, err)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// Verify cleanup was called multiple times despite errors
		assert.GreaterOrEqual(t, repo.failStalePendingJobsCalled, 2)
	})
}

func TestReaperService_failStalePendingJobs(t *testing.T) {
	t.Run("calls repo until the batch drains", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStalePendingJobsCount: 3,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.failStalePendingJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.failStalePendingJobsCalled)
	})
}

func TestReaperService_failAbandonedJobs(t *testing.T) {
	t.Run("targets the unrecovered in-flight statuses", func(t *testing.T) {
		repo := &mockReaperRepo{
			failAbandonedJobsCount: 4,
		}
		cfg := testReaperConfig()

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		ctx := context.Background()
		count, err := svc.failAbandonedJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(4), count)
		assert.Equal(t, 2, repo.failAbandonedJobsCalled)
		assert.Equal(t, cfg.AbandonedGrace, repo.failAbandonedJobsParams.Grace)
		assert.Equal(t,
			[]model.JobStatus{model.JobStatusEncoding, model.JobStatusUploading},
			repo.failAbandonedJobsParams.Statuses,
		)
	})
}

func TestReaperService_deleteOldCompletedJobs(t *testing.T) {
	t.Run("calls repo with correct status and max age", func(t *testing.T) {
		repo := &mockReaperRepo{
			deleteOldJobsCount: 5,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.deleteOldCompletedJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.deleteOldJobsCalled)
	})
}

func TestReaperService_deleteOldFailedJobs(t *testing.T) {
	t.Run("calls repo with correct status and max age", func(t *testing.T) {
		repo := &mockReaperRepo{
			deleteOldJobsCount: 8,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.deleteOldFailedJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(8), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.deleteOldJobsCalled)
	})
}
