package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/villagemind/villaged/internal/store"
)

// fsReadMaxBytes caps fs_read_file so a tool call cannot drag a huge file
// into an event payload or an LLM prompt.
const fsReadMaxBytes = 1 << 20

// Builtins returns the builtin tool set: filesystem tools clamped to root
// and memory tools backed by st.
func Builtins(root string, st *store.Store) []Definition {
	return []Definition{
		{
			Name:        "fs_read_file",
			Description: "Read a file inside the workspace.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				p, err := resolvePath(root, stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				info, err := os.Stat(p)
				if err != nil {
					return nil, err
				}
				if info.Size() > fsReadMaxBytes {
					return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
				}
				b, err := os.ReadFile(p)
				if err != nil {
					return nil, err
				}
				return string(b), nil
			},
		},
		{
			Name:        "fs_write_file",
			Description: "Write a file inside the workspace.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				p, err := resolvePath(root, stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				content := stringArg(args, "content")
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
					return nil, err
				}
				return fmt.Sprintf("wrote %d bytes", len(content)), nil
			},
		},
		{
			Name:        "fs_list_files",
			Description: "List directory entries inside the workspace.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				p := stringArg(args, "path")
				if p == "" {
					p = "."
				}
				dir, err := resolvePath(root, p)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(dir)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					out = append(out, map[string]any{"name": e.Name(), "is_dir": e.IsDir()})
				}
				return out, nil
			},
		},
		{
			Name:        "fs_exists",
			Description: "Check whether a workspace path exists.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				p, err := resolvePath(root, stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				if _, err := os.Stat(p); err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return false, nil
					}
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:        "fs_mkdir",
			Description: "Create a directory inside the workspace.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				p, err := resolvePath(root, stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(p, 0o755); err != nil {
					return nil, err
				}
				return "created", nil
			},
		},
		{
			Name:        "memory_store",
			Description: "Store a memory for an agent.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				content := stringArg(args, "content")
				if content == "" {
					return nil, errors.New("missing content")
				}
				id, err := st.PutMemory(ctx, store.Memory{
					AgentID: stringArg(args, "agent_id"),
					Topic:   stringArg(args, "topic"),
					Content: content,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			},
		},
		{
			Name:        "memory_retrieve",
			Description: "Retrieve a memory by id.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := int64Arg(args, "id")
				if err != nil {
					return nil, err
				}
				return st.GetMemory(ctx, id)
			},
		},
		{
			Name:        "memory_search",
			Description: "Search stored memories by substring.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit, _ := int64Arg(args, "limit")
				return st.SearchMemories(ctx, stringArg(args, "query"), int(limit))
			},
		},
		{
			Name:        "memory_list",
			Description: "List recent memories, optionally for one agent.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit, _ := int64Arg(args, "limit")
				return st.ListMemories(ctx, stringArg(args, "agent_id"), int(limit))
			},
		},
		{
			Name:        "memory_delete",
			Description: "Delete a memory by id.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id, err := int64Arg(args, "id")
				if err != nil {
					return nil, err
				}
				if err := st.DeleteMemory(ctx, id); err != nil {
					return nil, err
				}
				return "deleted", nil
			},
		},
	}
}

// resolvePath resolves p under root and rejects escapes.
func resolvePath(root string, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("missing path")
	}
	root = filepath.Clean(strings.TrimSpace(root))
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", p)
	}
	return candidate, nil
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func int64Arg(args map[string]any, key string) (int64, error) {
	if args == nil {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch v := args[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("missing %q", key)
	}
}
