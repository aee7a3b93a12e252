// Package job defines the unit of work the orchestrator schedules: a
// resolved graph instance plus declared output artifacts and identity.
package job

import (
	"time"

	"reconbatch/internal/graph"
)

// WorkItem is one caller-supplied unit of input, e.g. one building's
// footprint and point cloud. Items are constructed once and never mutated.
type WorkItem struct {
	ID     string            `yaml:"id"`
	Inputs map[string]string `yaml:"inputs"`
}

// WriteMode describes how an artifact is folded into its destination
// container during consolidation.
type WriteMode string

const (
	// WriteCreateNew fails if the destination container already exists.
	WriteCreateNew WriteMode = "create-new"
	// WriteAppendLayer adds a new named layer to an existing container.
	WriteAppendLayer WriteMode = "append-layer"
	// WriteAppendFeatures adds uniquely-keyed records into an existing layer.
	WriteAppendFeatures WriteMode = "append-features"
)

// OutputArtifact describes one declared output of a job.
type OutputArtifact struct {
	// Name is the logical artifact name.
	Name string
	// Path is where the external tool produces the artifact for this job.
	Path string
	// Container is the shared destination store the artifact is merged into.
	Container string
	// Layer is the layer name inside the destination container.
	Layer string
	// Format is the container format tag, e.g. "gpkg".
	Format string
	// Mode is the declared write-mode contract.
	Mode WriteMode
}

// Job is derived deterministically from a template graph and a WorkItem.
// The orchestrator creates and owns every Job for its whole lifetime; a Job
// is handed to at most one executing attempt at a time.
type Job struct {
	// ID is derived from the work-item id and is stable across re-runs.
	ID string
	// Item is the originating work item.
	Item WorkItem
	// Graph is the resolved graph instance, nil when resolution failed.
	Graph *graph.Graph
	// GraphPath is where the resolved document is written for the executor.
	GraphPath string
	// Artifacts are the declared outputs.
	Artifacts []OutputArtifact

	// Status is the current state-machine position.
	Status Status
	// Attempts counts started execution attempts.
	Attempts int
	// Err is the last recorded error, verbatim.
	Err error
	// ConsolidationErr records a failed merge of a succeeded job. It is
	// distinct from job failure and never consumes a retry.
	ConsolidationErr error

	// Timeout is the optional wall-clock budget for one attempt.
	Timeout time.Duration
	// NotBefore delays redispatch after a retryable failure.
	NotBefore time.Time
}

// New derives a Job from a work item. The job id equals the work-item id,
// which keeps re-submission idempotent per item.
func New(item WorkItem, g *graph.Graph, artifacts []OutputArtifact) *Job {
	return &Job{
		ID:        item.ID,
		Item:      item,
		Graph:     g,
		Artifacts: append([]OutputArtifact(nil), artifacts...),
		Status:    StatusPending,
	}
}
