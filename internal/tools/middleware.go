package tools

import (
	"context"

	"github.com/mpataki/autodev/internal/models"
)

// OnWrite calls fn with the root-relative path of every successful
// manage_file write or append.
func OnWrite(root string, fn func(path string)) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call models.ToolCall) models.ToolResult {
			res := next(ctx, call)
			if call.Name != string(ManageFile) || res.Failed() {
				return res
			}
			args, err := ParseManageFileArgs(call.Arguments)
			if err == nil && args.Mode != "read" {
				fn(WorkspacePath(root, args.Filepath))
			}
			return res
		}
	}
}
