// Package render holds the render-domain logic: the renderer phase union,
// failure classification, layer mapping, path translation, and the pipeline
// builder that turns stored jobs into nexrender job descriptions.
package render

import (
	"strings"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// Phase is a renderer-reported execution sub-stage. The set is closed; any
// phase outside it is rejected rather than ignored.
type Phase string

const (
	PhaseQueued      Phase = "queued"
	PhaseStarted     Phase = "started"
	PhaseDownloading Phase = "downloading"
	PhaseRendering   Phase = "rendering"
	PhaseEncoding    Phase = "encoding"
	PhaseFinished    Phase = "finished"
	PhaseError       Phase = "error"
)

// ParsePhase maps a raw renderer state string onto the closed phase union.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PhaseQueued, PhaseStarted, PhaseDownloading, PhaseRendering,
		PhaseEncoding, PhaseFinished, PhaseError:
		return p, true
	}
	return "", false
}

// Terminal returns true when the renderer will report nothing further.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseError
}

// Progress sub-ranges per phase. The rendering phase scales the renderer's
// own percentage into renderProgressBase..renderProgressBase+renderProgressSpan.
const (
	progressQueued      = 25
	progressStarted     = 30
	progressDownloading = 35
	renderProgressBase  = 40
	renderProgressSpan  = 40
	progressEncoding    = 85
	progressFinished    = 95
)

// PhaseSnapshot is the job-status projection of one renderer phase report.
type PhaseSnapshot struct {
	Status   model.JobStatus
	Progress int
}

// SnapshotFor maps a phase plus the renderer's intra-phase percentage onto
// this system's status and overall progress. The mapping is total over the
// non-failure phases; PhaseError and unrecognized phases return ok=false and
// are handled through the failure path instead.
func SnapshotFor(phase Phase, renderPercent float64) (PhaseSnapshot, bool) {
	switch phase {
	case PhaseQueued:
		return PhaseSnapshot{Status: model.JobStatusRendering, Progress: progressQueued}, true
	case PhaseStarted:
		return PhaseSnapshot{Status: model.JobStatusRendering, Progress: progressStarted}, true
	case PhaseDownloading:
		return PhaseSnapshot{Status: model.JobStatusRendering, Progress: progressDownloading}, true
	case PhaseRendering:
		pct := renderPercent
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		progress := renderProgressBase + int(pct*renderProgressSpan/100)
		return PhaseSnapshot{Status: model.JobStatusRendering, Progress: progress}, true
	case PhaseEncoding:
		return PhaseSnapshot{Status: model.JobStatusEncoding, Progress: progressEncoding}, true
	case PhaseFinished:
		return PhaseSnapshot{Status: model.JobStatusUploading, Progress: progressFinished}, true
	}
	return PhaseSnapshot{}, false
}
