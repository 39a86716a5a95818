package fileops

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
)

// MaxReadBytes caps how much of a file a single read returns.
const MaxReadBytes = 10 << 20

// Handler executes file operations on the agent's local filesystem,
// confined to its working directory. The agent enforces containment
// again on its own side; the server's check alone is not trusted.
type Handler struct {
	root   string
	logger *logging.Logger
}

// NewHandler creates a handler rooted at workingDirectory.
func NewHandler(workingDirectory string, logger *logging.Logger) *Handler {
	return &Handler{root: workingDirectory, logger: logger}
}

// SetRoot moves the handler's working directory (config:update).
func (h *Handler) SetRoot(workingDirectory string) {
	h.root = workingDirectory
}

// Handle performs one request and always produces a response carrying
// the same request id.
func (h *Handler) Handle(req *protocol.FileRequestPayload) *protocol.FileResponsePayload {
	resp := &protocol.FileResponsePayload{
		RequestID: req.RequestID,
		Operation: req.Operation,
	}

	resolved, err := sanitizer.ResolveWithin(h.root, req.Path)
	if err != nil {
		h.logger.Warn(logging.CategoryFileOp, "path_blocked", "file path escaped working directory", map[string]any{
			"request_id": req.RequestID,
		})
		resp.Error = wireError(errors.New(errors.ErrCodePathTraversal, "path escapes working directory"))
		return resp
	}

	switch req.Operation {
	case protocol.OpRead:
		resp.Result, resp.Error = h.read(resolved, req.Path)
	case protocol.OpWrite:
		resp.Result, resp.Error = h.write(resolved, req.Path, req.Content)
	case protocol.OpList:
		resp.Result, resp.Error = h.list(resolved, req.Path)
	case protocol.OpExists:
		resp.Result = h.exists(resolved, req.Path)
	default:
		resp.Error = wireError(errors.New(errors.ErrCodeInternal, "unsupported file operation"))
	}
	return resp
}

func (h *Handler) read(resolved, path string) (*protocol.FileResult, *protocol.ErrorPayload) {
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, wireError(fsError(err, "stat file"))
	}
	if info.Size() > MaxReadBytes {
		return nil, wireError(errors.New(errors.ErrCodePermissionDenied, "file too large to read").
			WithContext("size", info.Size()))
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, wireError(fsError(err, "read file"))
	}
	return &protocol.FileResult{
		Operation: protocol.OpRead,
		Path:      path,
		Content:   string(data),
	}, nil
}

func (h *Handler) write(resolved, path, content string) (*protocol.FileResult, *protocol.ErrorPayload) {
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, wireError(fsError(err, "create parent directory"))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, wireError(fsError(err, "write file"))
	}
	return &protocol.FileResult{
		Operation: protocol.OpWrite,
		Path:      path,
		Written:   len(content),
	}, nil
}

func (h *Handler) list(resolved, path string) (*protocol.FileResult, *protocol.ErrorPayload) {
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, wireError(fsError(err, "list directory"))
	}
	entries := make([]protocol.FileEntry, 0, len(dirents))
	for _, d := range dirents {
		entry := protocol.FileEntry{Name: d.Name(), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	return &protocol.FileResult{
		Operation: protocol.OpList,
		Path:      path,
		Entries:   entries,
	}, nil
}

func (h *Handler) exists(resolved, path string) *protocol.FileResult {
	exists := true
	if _, err := os.Stat(resolved); err != nil {
		exists = false
	}
	return &protocol.FileResult{
		Operation: protocol.OpExists,
		Path:      path,
		Exists:    &exists,
	}
}

func fsError(err error, message string) *errors.Error {
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return errors.Wrap(err, errors.ErrCodeFileNotFound, message)
	case stderrors.Is(err, fs.ErrPermission):
		return errors.Wrap(err, errors.ErrCodePermissionDenied, message)
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, message)
	}
}

func wireError(e *errors.Error) *protocol.ErrorPayload {
	return &protocol.ErrorPayload{
		Code:        e.Code.Number(),
		Message:     e.Message,
		Recoverable: e.Recoverable,
	}
}
