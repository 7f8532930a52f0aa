package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/autodev/internal/models"
)

type ManageFileArgs struct {
	Filepath string  `json:"filepath"`
	Mode     string  `json:"mode"`
	Content  *string `json:"content,omitempty"`
}

func (a ManageFileArgs) Validate() error {
	switch a.Mode {
	case "read", "write", "append":
	default:
		return errors.New("Error: Invalid mode. Use 'read', 'write', or 'append'.")
	}
	if strings.TrimSpace(a.Filepath) == "" {
		return errors.New("Error: filepath is required.")
	}
	if a.Mode != "read" && a.Content == nil {
		return fmt.Errorf("Error: Content is required for '%s' mode.", a.Mode)
	}
	return nil
}

// ParseManageFileArgs decodes and validates manage_file arguments.
func ParseManageFileArgs(raw json.RawMessage) (ManageFileArgs, error) {
	var args ManageFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, err
	}
	return args, args.Validate()
}

// CleanPath normalizes a model supplied path for comparison.
func CleanPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// WorkspacePath maps a model supplied path to its root-relative form, so a
// file is recognized whether it was named relative to root or absolutely
// inside it. Paths outside root are only cleaned.
func WorkspacePath(root, p string) string {
	if !filepath.IsAbs(p) {
		return CleanPath(p)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return CleanPath(p)
	}
	rel, err := filepath.Rel(abs, filepath.Clean(p))
	if err != nil || escapes(rel) {
		return CleanPath(p)
	}
	return filepath.ToSlash(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// FileTool reads and writes files under a root directory.
type FileTool struct {
	root string
}

func NewFileTool(root string) *FileTool {
	return &FileTool{root: root}
}

func (t *FileTool) Name() Name { return ManageFile }

func (t *FileTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        string(ManageFile),
		Description: "Manages file operations: read, write, or append. Returns the file content for 'read', otherwise a status message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filepath": map[string]any{"type": "string", "description": "Path of the file, e.g. output/backend.py."},
				"mode":     map[string]any{"type": "string", "enum": []string{"read", "write", "append"}, "description": "The operation to perform."},
				"content":  map[string]any{"type": "string", "description": "Text to write or append. Required for 'write' and 'append'."},
			},
			"required": []string{"filepath", "mode"},
		},
	}
}

func (t *FileTool) Call(ctx context.Context, raw json.RawMessage) models.ToolResult {
	args, err := ParseManageFileArgs(raw)
	if err != nil {
		return errorResult(err)
	}

	full, err := t.resolve(args.Filepath)
	if err != nil {
		return errorResult(err)
	}

	if args.Mode == "read" {
		data, err := os.ReadFile(full)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return models.ToolResult{Error: fmt.Sprintf("Error: The file '%s' was not found for reading.", args.Filepath)}
			}
			return unexpected(err)
		}
		return models.ToolResult{Stdout: string(data)}
	}

	if dir := filepath.Dir(full); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return unexpected(err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if args.Mode == "append" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(full, flags, 0644)
	if err != nil {
		return unexpected(err)
	}
	if _, err := f.WriteString(*args.Content); err != nil {
		f.Close()
		return unexpected(err)
	}
	if err := f.Close(); err != nil {
		return unexpected(err)
	}

	return models.ToolResult{Stdout: fmt.Sprintf("Successfully performed '%s' on file: %s", args.Mode, args.Filepath)}
}

// resolve maps p onto the root and refuses paths that leave it.
func (t *FileTool) resolve(p string) (string, error) {
	root, err := filepath.Abs(t.root)
	if err != nil {
		return "", fmt.Errorf("An unexpected error occurred: %v", err)
	}

	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(root, full)
	if err != nil || escapes(rel) {
		return "", fmt.Errorf("Error: The path '%s' is outside the project directory.", p)
	}
	return full, nil
}

func unexpected(err error) models.ToolResult {
	return models.ToolResult{Error: fmt.Sprintf("An unexpected error occurred: %v", err)}
}
