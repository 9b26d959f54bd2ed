// Package devseed seeds demo render jobs for development environments.
package devseed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/overlayfx/renderfarm/internal/data"
	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB   *sql.DB
	jobs *data.JobRepo
}

// NewServices constructs the repositories used for seeding against the provided DB.
func NewServices(db *sql.DB) Services {
	return Services{
		DB:   db,
		jobs: data.NewJobRepo(db, data.RepoConfig{}),
	}
}

// Run enqueues a set of demo render jobs covering the common render types.
// Seeding is additive: re-running creates fresh pending jobs rather than
// deduplicating, which is what a developer iterating on the worker wants.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := 0
	for _, req := range demoJobs() {
		job, err := svcs.jobs.Create(ctx, req)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to seed job",
					"template", req.Template,
					"render_type", req.RenderType,
					"error", err,
				)
			}
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "seeded render job",
				"id", job.ID,
				"render_type", job.RenderType,
				"template", job.Template,
				"priority", job.Priority,
			)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func demoJobs() []*model.CreateJobRequest {
	return []*model.CreateJobRequest{
		{
			RenderType:  model.RenderTypeChipCount,
			Template:    "chip_count.aep",
			Composition: "main",
			Payload: mustJSON(map[string]any{
				"single_fields": map[string]any{
					"player_name": "Daniel N",
					"chip_count":  "1,240,000",
					"rank":        "3",
				},
			}),
			OutputFormat: model.OutputFormatMOVAlpha,
			Priority:     10,
			MaxRetries:   3,
		},
		{
			RenderType:  model.RenderTypeLeaderboard,
			Template:    "leaderboard.aep",
			Composition: "top10",
			Payload: mustJSON(map[string]any{
				"slots": []map[string]any{
					{"slot_index": 1, "fields": map[string]string{"name": "Daniel N", "chips": "1,240,000"}},
					{"slot_index": 2, "fields": map[string]string{"name": "Phil I", "chips": "980,500"}},
					{"slot_index": 3, "fields": map[string]string{"name": "Vanessa S", "chips": "730,000"}},
				},
			}),
			OutputFormat: model.OutputFormatMOVAlpha,
			Priority:     5,
			MaxRetries:   3,
		},
		{
			RenderType:  model.RenderTypeElimination,
			Template:    "elimination.aep",
			Composition: "main",
			Payload: mustJSON(map[string]any{
				"single_fields": map[string]any{
					"player_name": "Phil I",
					"place":       "14th",
					"payout":      "$42,000",
				},
			}),
			OutputFormat: model.OutputFormatMP4,
			Priority:     20,
			MaxRetries:   2,
		},
		{
			RenderType:  model.RenderTypeCustom,
			Template:    "lower_third.aep",
			Composition: "wide",
			Payload: mustJSON(map[string]any{
				"single_fields": map[string]any{
					"title":    "Final Table",
					"subtitle": "Day 5",
				},
			}),
			OutputFormat: model.OutputFormatMOV,
			MaxRetries:   3,
		},
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		//nolint:forbidigo // seed payloads are static literals; a marshal failure is a programming error
		panic(fmt.Sprintf("devseed: marshal payload: %v", err))
	}
	return b
}
