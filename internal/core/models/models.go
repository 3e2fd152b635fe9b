package models

import "time"

// ArtifactType identifies what kind of repository artifact a request path
// refers to.
type ArtifactType string

const (
	ArtifactIndexRDS   ArtifactType = "index_rds"
	ArtifactIndexGz    ArtifactType = "index_gz"
	ArtifactIndexText  ArtifactType = "index_text"
	ArtifactSourceTar  ArtifactType = "src_tar"
	ArtifactArchiveTar ArtifactType = "archive_tar"
	ArtifactWinZip     ArtifactType = "win_zip"
	ArtifactMacTgz     ArtifactType = "mac_tgz"
	ArtifactUnknown    ArtifactType = "unknown"
)

// ArtifactDescriptor is the typed result of classifying a request path.
// Absent fields serialize as explicit JSON nulls.
type ArtifactDescriptor struct {
	Type    ArtifactType `json:"artifact_type"`
	Package *string      `json:"package"`
	Version *string      `json:"version"`
	RMinor  *string      `json:"r_minor"`
	OS      *string      `json:"os"`
}

// RequestRecord captures everything logged about one proxied request. It is
// owned by the handling goroutine and read-only once handed to the emitter.
type RequestRecord struct {
	Timestamp     time.Time
	Path          string
	Status        int
	Latency       time.Duration
	UserAgent     string
	Range         string
	ETag          string
	ContentLength string
	Derived       ArtifactDescriptor
}
