package model

// JobListOptions groups parameters for listing render jobs with optional filters.
type JobListOptions struct {
	Status     *JobStatus  // Optional filter by status
	RenderType *RenderType // Optional filter by render type
	Owner      *string     // Optional filter by owning worker
	SortBy     string      // Sort field: "created_at", "priority", "status" (default: "created_at")
	SortOrder  string      // Sort order: "asc", "desc" (default: "desc")
	Limit      int         // Pagination limit
	Offset     int         // Pagination offset
}
