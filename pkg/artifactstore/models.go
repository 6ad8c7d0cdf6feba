// Package artifactstore implements the engine's content-addressed
// blob store (spec.md §4.B): immutable artifacts deduplicated by
// (workspace, sha256), with a per-kind size cap and a choice of
// local-file or S3 storage backend.
package artifactstore

import "time"

// Kind classifies stored bytes; it determines the size cap applied on
// Put and is immutable once assigned.
type Kind string

const (
	KindModel         Kind = "model"
	KindBundle         Kind = "bundle"
	KindProbeRaw       Kind = "probe_raw"
	KindCapabilities   Kind = "capabilities"
	KindMetricMapping  Kind = "metric_mapping"
	KindPromptpack     Kind = "promptpack"
	KindOther          Kind = "other"
)

// Artifact is a row of the artifact table: an immutable,
// content-addressed blob reference.
type Artifact struct {
	ID          string
	WorkspaceID string
	Kind        Kind
	StorageURL  string
	SHA256      string
	SizeBytes   int64
	Filename    *string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}
