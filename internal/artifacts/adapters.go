package artifacts

// ArtifactStore persists the outputs of a run.
type ArtifactStore interface {
	// WriteRecord stores v as indented JSON under name.
	WriteRecord(name string, v any) (Artifact, error)
	// Register records a file produced elsewhere in the run directory.
	Register(path string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	Artifacts() []Artifact
}
