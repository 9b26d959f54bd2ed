package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

func TestRenderJobTable(t *testing.T) {
	owner := "render01-a1b2c3d4"
	jobs := []*model.RenderJob{
		{
			ID:         "job-1",
			RenderType: model.RenderTypeChipCount,
			Template:   "chip_count.aep",
			Status:     model.JobStatusRendering,
			Progress:   40,
			Owner:      &owner,
			CreatedAt:  time.Now().Add(-90 * time.Second),
		},
		{
			ID:         "job-2",
			RenderType: model.RenderTypeLeaderboard,
			Template:   "leaderboard.aep",
			Status:     model.JobStatusPending,
			CreatedAt:  time.Now().Add(-3 * time.Hour),
		},
	}

	var sb strings.Builder
	require.NoError(t, renderJobTable(&sb, jobs))

	out := sb.String()
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "chip_count.aep")
	require.Contains(t, out, "rendering")
	require.Contains(t, out, owner)
	// Unowned jobs render a placeholder.
	require.Contains(t, out, "-")
}

func TestRenderJobTableEmpty(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, renderJobTable(&sb, nil))
	require.Contains(t, sb.String(), "no jobs found")
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "-"},
		{"seconds", now.Add(-42 * time.Second), "42s"},
		{"minutes", now.Add(-5 * time.Minute), "5m"},
		{"hours", now.Add(-7 * time.Hour), "7h"},
		{"days", now.Add(-49 * time.Hour), "2d"},
		{"future timestamp clamps to zero", now.Add(time.Minute), "0s"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, formatAge(tc.t, now))
		})
	}
}

func TestParseListJobsFlags(t *testing.T) {
	opts, err := parseListJobsFlags([]string{"-status", "pending", "-type", "leaderboard", "-limit", "10"})
	require.NoError(t, err)
	require.Equal(t, "pending", opts.Status)
	require.Equal(t, "leaderboard", opts.RenderType)
	require.Equal(t, 10, opts.Limit)

	_, err = parseListJobsFlags([]string{"-limit", "0"})
	require.Error(t, err)
}

func TestParseCancelJobFlagsRequiresID(t *testing.T) {
	_, err := parseCancelJobFlags(nil)
	require.Error(t, err)

	opts, err := parseCancelJobFlags([]string{"-id", "job-9", "-yes"})
	require.NoError(t, err)
	require.Equal(t, "job-9", opts.JobID)
	require.True(t, opts.Yes)
}
