package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact file names inside the output directory.
const (
	FrontendFile = "index.html"
	BackendFile  = "backend.py"
	TestFile     = "test_app.py"
	ReadmeFile   = "readme.md"

	metadataFile = ".run.json"
)

var ArtifactFiles = []string{FrontendFile, BackendFile, TestFile, ReadmeFile}

// Workspace is the project root the agents write into and the output
// directory under it that holds one run's artifacts.
type Workspace struct {
	Root      string
	OutputDir string
}

type RunMetadata struct {
	RunID     int64     `json:"run_id"`
	TeamName  string    `json:"team_name"`
	Task      string    `json:"task"`
	StartedAt time.Time `json:"started_at"`
}

func New(root, outputDir string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	w := &Workspace{Root: absRoot, OutputDir: outputDir}
	if _, err := w.outputPath(); err != nil {
		return nil, err
	}
	return w, nil
}

// OutputPath is the absolute path of the output directory.
func (w *Workspace) OutputPath() string {
	p, _ := w.outputPath()
	return p
}

func (w *Workspace) outputPath() (string, error) {
	p := w.OutputDir
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.Root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(w.Root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output directory %q must be inside %s", w.OutputDir, w.Root)
	}
	return p, nil
}

// Reset removes everything a previous run left in the output directory
// and recreates it empty.
func (w *Workspace) Reset() error {
	p, err := w.outputPath()
	if err != nil {
		return err
	}

	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to clear output directory: %w", err)
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.OutputPath(), metadataFile)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", metadataFile, err)
	}

	return nil
}

// ReadRunMetadata returns the metadata of the run that produced the
// current output, or nil when there is none.
func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.OutputPath(), metadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run metadata: %w", err)
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run metadata: %w", err)
	}
	return &meta, nil
}

type Artifact struct {
	Name    string
	Path    string
	Present bool
	Content string
}

// Bundle is the artifact set of the current output directory. Absent
// files are listed with Present false.
type Bundle struct {
	Artifacts []Artifact
}

func (w *Workspace) ReadBundle() (*Bundle, error) {
	b := &Bundle{}
	for _, name := range ArtifactFiles {
		path := filepath.Join(w.OutputPath(), name)
		a := Artifact{Name: name, Path: path}

		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			a.Present = true
			a.Content = string(data)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		b.Artifacts = append(b.Artifacts, a)
	}
	return b, nil
}

func (b *Bundle) Get(name string) (Artifact, bool) {
	for _, a := range b.Artifacts {
		if a.Name == name {
			return a, a.Present
		}
	}
	return Artifact{}, false
}

func (b *Bundle) Missing() []string {
	var out []string
	for _, a := range b.Artifacts {
		if !a.Present {
			out = append(out, a.Name)
		}
	}
	return out
}

func (b *Bundle) Present() int {
	return len(b.Artifacts) - len(b.Missing())
}
