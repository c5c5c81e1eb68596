package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/remote"
)

// FileHandler performs file operations confined to a root directory.
//
// Actions: read, write, append, list, mkdir, delete, copy and stat. Paths
// come from "path", or "source" and "destination" for copy. With remote
// hosts configured, upload and download move "path" to or from "remote" on
// "host".
type FileHandler struct {
	root    string
	maxRead int64
	remote  *remote.Pool
	logger  zerolog.Logger
}

// NewFileHandler creates a file handler rooted at cfg.Root.
func NewFileHandler(cfg FileConfig, logger zerolog.Logger) (*FileHandler, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file root: %w", err)
	}
	return &FileHandler{
		root:    abs,
		maxRead: cfg.MaxReadBytes,
		logger:  logger.With().Str("handler", "file").Str("root", abs).Logger(),
	}, nil
}

// Root returns the absolute root directory.
func (h *FileHandler) Root() string {
	return h.root
}

// Handle implements engine.Handler.
func (h *FileHandler) Handle(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	action := stringParam(params, "action")
	if action == "" {
		action = "read"
	}

	switch action {
	case "read":
		return h.read(params)
	case "write", "append":
		return h.write(params, action == "append")
	case "list":
		return h.list(params)
	case "mkdir":
		return h.mkdir(params)
	case "delete":
		return h.delete(params)
	case "copy":
		return h.copy(params)
	case "stat", "exists":
		return h.stat(params)
	case "upload":
		return h.upload(ctx, params)
	case "download":
		return h.download(ctx, params)
	default:
		return nil, invalidParams("unknown file action %q", action)
	}
}

// resolve maps a step path onto the root and rejects escapes.
func (h *FileHandler) resolve(p string) (string, error) {
	if p == "" {
		return "", invalidParams("empty path")
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(h.root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(h.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalidParams("path %q is outside %s", p, h.root)
	}
	return target, nil
}

func (h *FileHandler) pathParam(params map[string]any, key, action string) (string, error) {
	p, err := requireString(params, key, "file "+action)
	if err != nil {
		return "", err
	}
	return h.resolve(p)
}

func (h *FileHandler) read(params map[string]any) (*engine.HandlerResult, error) {
	path, err := h.pathParam(params, "path", "read")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fileError("open", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileError("stat", path, err)
	}
	if info.IsDir() {
		return nil, invalidParams("%s is a directory", path)
	}

	var reader io.Reader = f
	if h.maxRead > 0 {
		reader = io.LimitReader(f, h.maxRead)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fileError("read", path, err)
	}

	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"path":      path,
		"content":   string(data),
		"size":      info.Size(),
		"truncated": int64(len(data)) < info.Size(),
	}}, nil
}

func (h *FileHandler) write(params map[string]any, appendMode bool) (*engine.HandlerResult, error) {
	action := "write"
	if appendMode {
		action = "append"
	}
	path, err := h.pathParam(params, "path", action)
	if err != nil {
		return nil, err
	}
	content := stringParam(params, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fileError("create parent of", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fileError("open", path, err)
	}
	n, err := f.WriteString(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fileError(action, path, err)
	}

	h.logger.Debug().Str("path", path).Int("bytes", n).Bool("append", appendMode).Msg("File written")
	return &engine.HandlerResult{Success: true, Output: map[string]any{"path": path, "bytes": n}}, nil
}

func (h *FileHandler) list(params map[string]any) (*engine.HandlerResult, error) {
	p := stringParam(params, "path")
	if p == "" {
		p = "."
	}
	path, err := h.resolve(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fileError("list", path, err)
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "dir": entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}

	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"path":    path,
		"entries": items,
		"count":   len(items),
	}}, nil
}

func (h *FileHandler) mkdir(params map[string]any) (*engine.HandlerResult, error) {
	path, err := h.pathParam(params, "path", "mkdir")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fileError("create", path, err)
	}
	return &engine.HandlerResult{Success: true, Output: map[string]any{"path": path}}, nil
}

// delete removes a file or empty directory; "recursive" removes trees.
// A missing path is not an error.
func (h *FileHandler) delete(params map[string]any) (*engine.HandlerResult, error) {
	path, err := h.pathParam(params, "path", "delete")
	if err != nil {
		return nil, err
	}
	if path == h.root {
		return nil, invalidParams("refusing to delete the file root")
	}

	_, statErr := os.Lstat(path)
	existed := statErr == nil

	if boolParam(params, "recursive") {
		err = os.RemoveAll(path)
	} else if existed {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, fileError("delete", path, err)
	}

	return &engine.HandlerResult{Success: true, Output: map[string]any{"path": path, "existed": existed}}, nil
}

func (h *FileHandler) copy(params map[string]any) (*engine.HandlerResult, error) {
	src, err := h.pathParam(params, "source", "copy")
	if err != nil {
		return nil, err
	}
	dst, err := h.pathParam(params, "destination", "copy")
	if err != nil {
		return nil, err
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, fileError("open", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, fileError("stat", src, err)
	}
	if info.IsDir() {
		return nil, invalidParams("cannot copy directory %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fileError("create parent of", dst, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return nil, fileError("open", dst, err)
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fileError("copy to", dst, err)
	}

	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"source":      src,
		"destination": dst,
		"bytes":       n,
	}}, nil
}

func (h *FileHandler) stat(params map[string]any) (*engine.HandlerResult, error) {
	path, err := h.pathParam(params, "path", "stat")
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &engine.HandlerResult{Success: true, Output: map[string]any{"path": path, "exists": false}}, nil
	}
	if err != nil {
		return nil, fileError("stat", path, err)
	}

	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"path":     path,
		"exists":   true,
		"dir":      info.IsDir(),
		"size":     info.Size(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime().UTC().Format(time.RFC3339),
	}}, nil
}

// fileError classifies filesystem failures. Missing files and permission
// problems are permanent; anything else may be retried.
func fileError(op, path string, err error) error {
	msg := fmt.Sprintf("failed to %s %s", op, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound)
	case errors.Is(err, fs.ErrPermission):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeHandlerFailed)
	default:
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeHandlerFailed)
	}
}

var _ engine.Handler = (*FileHandler)(nil)
