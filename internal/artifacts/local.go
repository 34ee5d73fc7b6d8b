package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const (
	TopologyRecord    = "network_topology.json"
	ApplicationRecord = "application_config.json"
	CommandsRecord    = "commands_executed.json"
	ResultsRecord     = "results.json"
	ManifestRecord    = "manifest.json"
	RunInfoRecord     = "run_info.json"
	OriginalConfig    = "config_original.yaml"
	RunLog            = "run.log"

	logsDirName = "logs"
)

// DefaultBaseDir is where run directories are created.
const DefaultBaseDir = "output"

// RunDir is a run's output directory on the local filesystem.
type RunDir struct {
	Root string

	mu        sync.Mutex
	artifacts map[string]Artifact
}

var _ ArtifactStore = (*RunDir)(nil)

// NewRunDir creates base/name together with its logs directory.
func NewRunDir(base, name string) (*RunDir, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("run directory name is required")
	}
	if base == "" {
		base = DefaultBaseDir
	}
	root, err := filepath.Abs(filepath.Join(base, name))
	if err != nil {
		return nil, fmt.Errorf("resolve run directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, logsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create run directory %s: %w", root, err)
	}
	return &RunDir{Root: root, artifacts: make(map[string]Artifact)}, nil
}

// LogDir is where per-container logs are written.
func (d *RunDir) LogDir() string {
	return filepath.Join(d.Root, logsDirName)
}

// Path returns the absolute path of name inside the run directory.
func (d *RunDir) Path(name string) string {
	return filepath.Join(d.Root, name)
}

func (d *RunDir) WriteRecord(name string, v any) (Artifact, error) {
	payload, err := MarshalRecord(v)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal %s: %w", name, err)
	}
	path := d.Path(name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	kind := RecordArtifact
	if name == ResultsRecord {
		kind = ResultArtifact
	}
	return d.Register(path, kind, nil)
}

func (d *RunDir) Register(path string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, err
	}
	rel, err := filepath.Rel(d.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Artifact{}, fmt.Errorf("artifact %s is outside run directory %s", path, d.Root)
	}

	sum, err := checksum(abs)
	if err != nil {
		return Artifact{}, err
	}
	artifact := Artifact{
		Name:        filepath.ToSlash(rel),
		Kind:        kind,
		URI:         fileURI(abs),
		Checksum:    &sum,
		ContentType: detectContentType(abs),
		Metadata:    cloneMetadata(metadata),
	}

	d.mu.Lock()
	d.artifacts[artifact.Name] = artifact
	d.mu.Unlock()
	return artifact, nil
}

// Artifacts lists registered artifacts by name.
func (d *RunDir) Artifacts() []Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := slices.Sorted(maps.Keys(d.artifacts))
	out := make([]Artifact, 0, len(names))
	for _, name := range names {
		out = append(out, d.artifacts[name])
	}
	return out
}

// WriteManifest records every registered artifact in manifest.json.
func (d *RunDir) WriteManifest() error {
	payload, err := MarshalRecord(d.Artifacts())
	if err != nil {
		return err
	}
	return os.WriteFile(d.Path(ManifestRecord), payload, 0o644)
}

// MarshalRecord renders v the way every record is stored: two-space indented
// JSON with a trailing newline. encoding/json sorts map keys, so equal values
// always produce equal bytes.
func MarshalRecord(v any) ([]byte, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirName builds the run directory name from the experiment's parameters:
// <timestamp>_<image>_C<clients>_<network>_<device>_<name>.
func DirName(timestamp, image string, clients int, network, device, name string) string {
	parts := []string{
		timestamp,
		sanitize(imageBase(image)),
		fmt.Sprintf("C%d", clients),
		sanitize(network),
		sanitize(device),
		sanitize(name),
	}
	return strings.Join(slices.DeleteFunc(parts, func(s string) bool { return s == "" }), "_")
}

func imageBase(image string) string {
	image = image[strings.LastIndex(image, "/")+1:]
	if i := strings.IndexAny(image, ":@"); i >= 0 {
		image = image[:i]
	}
	return image
}

func sanitize(s string) string {
	return strings.Trim(unsafeNameChars.ReplaceAllString(strings.TrimSpace(s), "-"), "-")
}

func fileURI(path string) string {
	return "file://" + path
}

// PathFromURI converts a file:// URI back into a path.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("unsupported URI scheme")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	return maps.Clone(metadata)
}
