package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileCall(t *testing.T, ft *FileTool, args map[string]any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res := ft.Call(context.Background(), raw)
	return res.Text(), res.Failed()
}

func TestManageFileWriteThenRead(t *testing.T) {
	ft := NewFileTool(t.TempDir())

	out, failed := fileCall(t, ft, map[string]any{"filepath": "output/backend.py", "mode": "write", "content": "print('hi')\n"})
	require.False(t, failed)
	assert.Equal(t, "Successfully performed 'write' on file: output/backend.py", out)

	out, failed = fileCall(t, ft, map[string]any{"filepath": "output/backend.py", "mode": "read"})
	require.False(t, failed)
	assert.Equal(t, "print('hi')\n", out)
}

func TestManageFileAppendConcatenates(t *testing.T) {
	root := t.TempDir()
	ft := NewFileTool(root)

	fileCall(t, ft, map[string]any{"filepath": "notes.md", "mode": "append", "content": "one"})
	fileCall(t, ft, map[string]any{"filepath": "notes.md", "mode": "append", "content": "two"})

	data, err := os.ReadFile(filepath.Join(root, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))
}

func TestManageFileWriteOverwrites(t *testing.T) {
	ft := NewFileTool(t.TempDir())

	fileCall(t, ft, map[string]any{"filepath": "a.txt", "mode": "write", "content": "long content"})
	fileCall(t, ft, map[string]any{"filepath": "a.txt", "mode": "write", "content": "short"})

	out, _ := fileCall(t, ft, map[string]any{"filepath": "a.txt", "mode": "read"})
	assert.Equal(t, "short", out)
}

func TestManageFileErrorsAreData(t *testing.T) {
	ft := NewFileTool(t.TempDir())

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"invalid mode", map[string]any{"filepath": "a.txt", "mode": "delete"}, "Error: Invalid mode. Use 'read', 'write', or 'append'."},
		{"missing content", map[string]any{"filepath": "a.txt", "mode": "write"}, "Error: Content is required for 'write' mode."},
		{"not found", map[string]any{"filepath": "missing.txt", "mode": "read"}, "Error: The file 'missing.txt' was not found for reading."},
		{"escape", map[string]any{"filepath": "../outside.txt", "mode": "write", "content": "x"}, "Error: The path '../outside.txt' is outside the project directory."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, failed := fileCall(t, ft, tt.args)
			assert.True(t, failed)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestManageFileEmptyContentIsAllowed(t *testing.T) {
	ft := NewFileTool(t.TempDir())

	_, failed := fileCall(t, ft, map[string]any{"filepath": "empty.txt", "mode": "write", "content": ""})
	assert.False(t, failed)
}

func TestManageFileMalformedArguments(t *testing.T) {
	ft := NewFileTool(t.TempDir())

	res := ft.Call(context.Background(), json.RawMessage(`{"filepath": 3`))
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "Invalid arguments")
}
