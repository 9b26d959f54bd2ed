package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/internal/core"
	"github.com/overlayfx/renderfarm/internal/domain/model"
	"github.com/overlayfx/renderfarm/internal/testutil"
)

func int64Ptr(v int64) *int64 { return &v }

func claimParams(owner string) core.ClaimParams {
	return core.ClaimParams{
		Owner:        owner,
		WorkerHost:   "render-host-1",
		LeaseSeconds: 60,
	}
}

func TestJobRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	tests := []struct {
		name    string
		req     *model.CreateJobRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid job creation",
			req:  testutil.ChipCountJobRequest(),
		},
		{
			name: "job with metadata and callback",
			req: testutil.NewJobRequest().
				WithMetadataString(`{"event": "final table"}`).
				WithCallbackURL("https://overlay.example.com/callbacks").
				Build(),
		},
		{
			name: "job with explicit output format",
			req: testutil.NewJobRequest().
				WithOutputFormat(model.OutputFormatMP4).
				WithMaxRetries(5).
				Build(),
		},
		{
			name: "missing template",
			req: testutil.NewJobRequest().
				WithTemplate("").
				Build(),
			wantErr: true,
			errMsg:  "template is required",
		},
		{
			name: "missing composition",
			req: testutil.NewJobRequest().
				WithComposition("   ").
				Build(),
			wantErr: true,
			errMsg:  "composition is required",
		},
		{
			name: "empty payload",
			req: testutil.NewJobRequest().
				WithPayload(json.RawMessage(``)).
				Build(),
			wantErr: true,
			errMsg:  "payload is required",
		},
		{
			name: "invalid render type",
			req: testutil.NewJobRequest().
				WithRenderType("hologram").
				Build(),
			wantErr: true,
			errMsg:  "invalid render type",
		},
		{
			name: "invalid priority",
			req: testutil.NewJobRequest().
				WithPriority(150).
				Build(),
			wantErr: true,
			errMsg:  "priority must be between 0 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewJobRepo(db, RepoConfig{})

				job, err := repo.Create(context.Background(), tt.req)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, job)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, job)

				assert.NotEmpty(t, job.ID)
				assert.Equal(t, tt.req.Template, job.Template)
				assert.Equal(t, tt.req.Composition, job.Composition)
				assert.Equal(t, model.JobStatusPending, job.Status)
				assert.Equal(t, tt.req.Priority, job.Priority)
				assert.Equal(t, 0, job.Progress)
				assert.Equal(t, 0, job.RetryCount)
				assert.Nil(t, job.Owner)
				assert.NotZero(t, job.CreatedAt)
				assert.NotZero(t, job.UpdatedAt)

				if tt.req.OutputFormat != "" {
					assert.Equal(t, tt.req.OutputFormat, job.OutputFormat)
				} else {
					assert.Equal(t, model.DefaultOutputFormat, job.OutputFormat)
				}
				if tt.req.CallbackURL != nil {
					require.NotNil(t, job.CallbackURL)
					assert.Equal(t, *tt.req.CallbackURL, *job.CallbackURL)
				}
			})
		})
	}
}

func TestJobRepo_Create_ComputesDataHash(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		first, err := repo.Create(ctx, testutil.CachedJobRequest())
		require.NoError(t, err)
		require.NotNil(t, first.DataHash)

		// Same template, composition and payload hash identically.
		second, err := repo.Create(ctx, testutil.CachedJobRequest())
		require.NoError(t, err)
		require.NotNil(t, second.DataHash)
		assert.Equal(t, *first.DataHash, *second.DataHash)

		// Different payload hashes differently.
		third, err := repo.Create(ctx, testutil.NewJobRequest().
			WithUseCache(true).
			WithPayloadString(`{"slots": {"1": {"name": "Someone Else", "chips": "1"}}}`).
			Build())
		require.NoError(t, err)
		require.NotNil(t, third.DataHash)
		assert.NotEqual(t, *first.DataHash, *third.DataHash)
	})
}

func TestJobRepo_GetByID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		created, err := repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.Template, got.Template)
		assert.Equal(t, model.JobStatusPending, got.Status)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_Claim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("claims pending job and takes ownership", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)

			job, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			require.NotNil(t, job)

			assert.Equal(t, created.ID, job.ID)
			assert.Equal(t, model.JobStatusPreparing, job.Status)
			require.NotNil(t, job.Owner)
			assert.Equal(t, "worker-a", *job.Owner)
			require.NotNil(t, job.WorkerHost)
			assert.Equal(t, "render-host-1", *job.WorkerHost)
			require.NotNil(t, job.LeaseExpiresAt)
			assert.True(t, job.LeaseExpiresAt.After(time.Now()))
			require.NotNil(t, job.StartedAt)
			assert.Equal(t, 0, job.RecoveryCount, "first claim is not a recovery")
		})
	})

	t.Run("empty queue returns ErrNoJobsAvailable", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			_, err := repo.Claim(context.Background(), claimParams("worker-a"))
			assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("higher priority claimed first", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			low, err := repo.Create(ctx, testutil.LowPriorityJobRequest())
			require.NoError(t, err)
			high, err := repo.Create(ctx, testutil.HighPriorityJobRequest())
			require.NoError(t, err)

			first, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			assert.Equal(t, high.ID, first.ID)

			second, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			assert.Equal(t, low.ID, second.ID)
		})
	})

	t.Run("equal priority claimed oldest first", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			older, err := repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)
			_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)

			first, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			assert.Equal(t, older.ID, first.ID)
		})
	})

	t.Run("leased job is not reclaimable", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)

			_, err = repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)

			_, err = repo.Claim(ctx, claimParams("worker-b"))
			assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
		})
	})

	t.Run("expired lease is recoverable by another worker", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			startTime := testutil.TestTime()
			tp := NewFixedTimeProvider(startTime)
			repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
			ctx := context.Background()

			created, err := repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)

			first, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			require.Equal(t, created.ID, first.ID)

			// Advance past the 60s lease.
			tp.AddTime(2 * time.Minute)

			recovered, err := repo.Claim(ctx, claimParams("worker-b"))
			require.NoError(t, err)
			assert.Equal(t, created.ID, recovered.ID)
			require.NotNil(t, recovered.Owner)
			assert.Equal(t, "worker-b", *recovered.Owner)
			assert.Equal(t, 1, recovered.RecoveryCount)
			assert.Equal(t, model.JobStatusPreparing, recovered.Status)
			assert.Equal(t, 0, recovered.Progress, "recovery restarts the attempt")
			// started_at keeps the original attempt's start.
			require.NotNil(t, recovered.StartedAt)
			assert.Equal(t, first.StartedAt.UTC(), recovered.StartedAt.UTC())
		})
	})
}

func TestJobRepo_StateTransitions(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	setup := func(t *testing.T, db *sql.DB) (*JobRepo, *model.RenderJob) {
		t.Helper()
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()
		_, err := repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		job, err := repo.Claim(ctx, claimParams("worker-a"))
		require.NoError(t, err)
		return repo, job
	}

	t.Run("full happy path", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo, job := setup(t, db)
			ctx := context.Background()

			require.NoError(t, repo.MarkPreparing(ctx, job.ID, "worker-a", 60))

			require.NoError(t, repo.MarkSubmitted(ctx, core.MarkSubmittedParams{
				JobID:        job.ID,
				Owner:        "worker-a",
				NexrenderID:  "nex-123",
				LeaseSeconds: 60,
			}))

			state := "rendering"
			require.NoError(t, repo.SetRenderState(ctx, core.SetRenderStateParams{
				JobID:          job.ID,
				Owner:          "worker-a",
				Status:         model.JobStatusRendering,
				Progress:       52,
				NexrenderState: &state,
				LeaseSeconds:   60,
			}))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRendering, got.Status)
			assert.Equal(t, 52, got.Progress)
			require.NotNil(t, got.NexrenderID)
			assert.Equal(t, "nex-123", *got.NexrenderID)

			require.NoError(t, repo.Complete(ctx, core.CompleteParams{
				JobID:            job.ID,
				Owner:            "worker-a",
				OutputPath:       "/srv/output/final.mov",
				OutputFileSize:   int64Ptr(2048),
				RenderDurationMS: int64Ptr(9000),
			}))

			done, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, done.Status)
			assert.Equal(t, 100, done.Progress)
			require.NotNil(t, done.OutputPath)
			assert.Equal(t, "/srv/output/final.mov", *done.OutputPath)
			assert.Nil(t, done.Owner)
			assert.Nil(t, done.LeaseExpiresAt)
			assert.NotNil(t, done.CompletedAt)
		})
	})

	t.Run("progress never regresses within an attempt", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo, job := setup(t, db)
			ctx := context.Background()

			require.NoError(t, repo.SetRenderState(ctx, core.SetRenderStateParams{
				JobID:        job.ID,
				Owner:        "worker-a",
				Status:       model.JobStatusRendering,
				Progress:     60,
				LeaseSeconds: 60,
			}))
			// A late, lower report must not move progress backwards.
			require.NoError(t, repo.SetRenderState(ctx, core.SetRenderStateParams{
				JobID:        job.ID,
				Owner:        "worker-a",
				Status:       model.JobStatusRendering,
				Progress:     40,
				LeaseSeconds: 60,
			}))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 60, got.Progress)
		})
	})

	t.Run("non-owner writes surface ErrLeaseLost", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo, job := setup(t, db)
			ctx := context.Background()

			err := repo.MarkPreparing(ctx, job.ID, "worker-b", 60)
			assert.ErrorIs(t, err, model.ErrLeaseLost)

			err = repo.Complete(ctx, core.CompleteParams{
				JobID:      job.ID,
				Owner:      "worker-b",
				OutputPath: "/srv/output/final.mov",
			})
			assert.ErrorIs(t, err, model.ErrLeaseLost)

			err = repo.Fail(ctx, core.FailParams{
				JobID:   job.ID,
				Owner:   "worker-b",
				Message: "boom",
			})
			assert.ErrorIs(t, err, model.ErrLeaseLost)
		})
	})

	t.Run("release requeues without consuming a retry", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo, job := setup(t, db)
			ctx := context.Background()

			require.NoError(t, repo.Release(ctx, job.ID, "worker-a"))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, got.Status)
			assert.Equal(t, 0, got.Progress)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, 1, got.RecoveryCount)
			assert.Nil(t, got.Owner)
			assert.Nil(t, got.LeaseExpiresAt)

			// Immediately claimable again.
			again, err := repo.Claim(ctx, claimParams("worker-b"))
			require.NoError(t, err)
			assert.Equal(t, job.ID, again.ID)
		})
	})
}

func TestJobRepo_Fail(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("retryable failure requeues with attempt prefix", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, testutil.RetryableJobRequest(3))
			require.NoError(t, err)
			job, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)

			require.NoError(t, repo.Fail(ctx, core.FailParams{
				JobID:     job.ID,
				Owner:     "worker-a",
				Message:   "connection refused",
				Category:  "retryable",
				Retryable: true,
			}))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			assert.Equal(t, 0, got.Progress)
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, "attempt #1: connection refused", *got.ErrorMessage)
			assert.Nil(t, got.Owner)
			assert.Nil(t, got.CompletedAt)
		})
	})

	t.Run("non-retryable failure is terminal", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, testutil.ChipCountJobRequest())
			require.NoError(t, err)
			job, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)

			require.NoError(t, repo.Fail(ctx, core.FailParams{
				JobID:     job.ID,
				Owner:     "worker-a",
				Message:   "composition not found",
				Category:  "non_retryable",
				Retryable: false,
			}))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, "composition not found", *got.ErrorMessage)
			require.NotNil(t, got.ErrorCategory)
			assert.Equal(t, "non_retryable", *got.ErrorCategory)
			assert.NotNil(t, got.CompletedAt)
		})
	})

	t.Run("retry budget exhaustion is terminal", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, testutil.RetryableJobRequest(1))
			require.NoError(t, err)

			// First failure requeues (retry 1 of 1).
			job, err := repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			require.NoError(t, repo.Fail(ctx, core.FailParams{
				JobID: job.ID, Owner: "worker-a",
				Message: "timeout", Category: "timeout", Retryable: true,
			}))

			got, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, model.JobStatusPending, got.Status)

			// Second failure exceeds the budget and lands terminal.
			job, err = repo.Claim(ctx, claimParams("worker-a"))
			require.NoError(t, err)
			require.NoError(t, repo.Fail(ctx, core.FailParams{
				JobID: job.ID, Owner: "worker-a",
				Message: "timeout", Category: "timeout", Retryable: true,
			}))

			got, err = repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, got.Status)
			assert.Equal(t, 2, got.RetryCount)
			assert.NotNil(t, got.CompletedAt)
		})
	})
}

func TestJobRepo_Cancel(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		pending, err := repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)

		cancelled, err := repo.Cancel(ctx, pending.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)

		got, err := repo.GetByID(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)

		// Terminal jobs report not cancelled.
		cancelled, err = repo.Cancel(ctx, pending.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)

		// In-flight jobs cancel regardless of owner.
		_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		claimed, err := repo.Claim(ctx, claimParams("worker-a"))
		require.NoError(t, err)

		cancelled, err = repo.Cancel(ctx, claimed.ID)
		require.NoError(t, err)
		assert.True(t, cancelled)
	})
}

func TestJobRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		pending, err := repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, pending.ID))
		_, err = repo.GetByID(ctx, pending.ID)
		assert.ErrorIs(t, err, ErrJobNotFound)

		// A claimed, leased job is not deletable.
		_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		claimed, err := repo.Claim(ctx, claimParams("worker-a"))
		require.NoError(t, err)
		err = repo.Delete(ctx, claimed.ID)
		assert.Error(t, err)

		err = repo.Delete(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_List(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		_, err := repo.Create(ctx, testutil.LowPriorityJobRequest())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.HighPriorityJobRequest())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.LeaderboardJobRequest())
		require.NoError(t, err)

		claimed, err := repo.Claim(ctx, claimParams("worker-a"))
		require.NoError(t, err)

		t.Run("no filter returns everything", func(t *testing.T) {
			jobs, listErr := repo.List(ctx, nil)
			require.NoError(t, listErr)
			assert.Len(t, jobs, 3)
		})

		t.Run("filter by status", func(t *testing.T) {
			status := model.JobStatusPreparing
			jobs, listErr := repo.List(ctx, &model.JobListOptions{Status: &status})
			require.NoError(t, listErr)
			require.Len(t, jobs, 1)
			assert.Equal(t, claimed.ID, jobs[0].ID)
		})

		t.Run("filter by render type", func(t *testing.T) {
			rt := model.RenderTypeLeaderboard
			jobs, listErr := repo.List(ctx, &model.JobListOptions{RenderType: &rt})
			require.NoError(t, listErr)
			require.Len(t, jobs, 1)
			assert.Equal(t, model.RenderTypeLeaderboard, jobs[0].RenderType)
		})

		t.Run("filter by owner", func(t *testing.T) {
			owner := "worker-a"
			jobs, listErr := repo.List(ctx, &model.JobListOptions{Owner: &owner})
			require.NoError(t, listErr)
			require.Len(t, jobs, 1)
			assert.Equal(t, claimed.ID, jobs[0].ID)
		})

		t.Run("sort by priority ascending", func(t *testing.T) {
			jobs, listErr := repo.List(ctx, &model.JobListOptions{SortBy: "priority", SortOrder: "asc"})
			require.NoError(t, listErr)
			require.Len(t, jobs, 3)
			assert.LessOrEqual(t, jobs[0].Priority, jobs[1].Priority)
			assert.LessOrEqual(t, jobs[1].Priority, jobs[2].Priority)
		})

		t.Run("limit and offset", func(t *testing.T) {
			page1, listErr := repo.List(ctx, &model.JobListOptions{Limit: 2})
			require.NoError(t, listErr)
			assert.Len(t, page1, 2)

			page2, listErr := repo.List(ctx, &model.JobListOptions{Limit: 2, Offset: 2})
			require.NoError(t, listErr)
			assert.Len(t, page2, 1)
		})
	})
}

func TestJobRepo_Stats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		empty, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, empty.Pending)
		assert.Zero(t, empty.OldestPendingSec)

		_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.ChipCountJobRequest())
		require.NoError(t, err)

		claimed, err := repo.Claim(ctx, claimParams("worker-a"))
		require.NoError(t, err)
		require.NoError(t, repo.Fail(ctx, core.FailParams{
			JobID: claimed.ID, Owner: "worker-a",
			Message: "template error", Category: "non_retryable", Retryable: false,
		}))

		_, err = repo.Claim(ctx, claimParams("worker-b"))
		require.NoError(t, err)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Preparing)
		assert.Equal(t, 1, stats.Failed)
		assert.GreaterOrEqual(t, stats.OldestPendingSec, float64(0))
	})
}
