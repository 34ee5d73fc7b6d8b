package artifacts

// ArtifactKind classifies the files a run leaves behind.
type ArtifactKind string

const (
	RecordArtifact ArtifactKind = "record" // Resolved configuration records
	LogArtifact    ArtifactKind = "log"    // Per-container and run logs
	ResultArtifact ArtifactKind = "result" // Execution outcomes
)

type Artifact struct {
	Name string       `json:"name"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    *string        `json:"checksum,omitempty"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
