package fileops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
)

func TestHandlerReadWriteRoundTrip(t *testing.T) {
	ws := t.TempDir()
	h := NewHandler(ws, nil)

	resp := h.Handle(&protocol.FileRequestPayload{
		RequestID: "r1",
		Operation: protocol.OpWrite,
		Path:      "src/app.go",
		Content:   "package app\n",
	})
	if resp.Error != nil {
		t.Fatalf("write failed: %+v", resp.Error)
	}
	if resp.Result.Written != len("package app\n") {
		t.Fatalf("unexpected written count %d", resp.Result.Written)
	}

	resp = h.Handle(&protocol.FileRequestPayload{
		RequestID: "r2",
		Operation: protocol.OpRead,
		Path:      "src/app.go",
	})
	if resp.Error != nil {
		t.Fatalf("read failed: %+v", resp.Error)
	}
	if resp.Result.Content != "package app\n" {
		t.Fatalf("unexpected content %q", resp.Result.Content)
	}
	if resp.RequestID != "r2" {
		t.Fatalf("response must echo request id, got %q", resp.RequestID)
	}
}

func TestHandlerListAndExists(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(ws, nil)

	resp := h.Handle(&protocol.FileRequestPayload{RequestID: "r1", Operation: protocol.OpList, Path: "."})
	if resp.Error != nil {
		t.Fatalf("list failed: %+v", resp.Error)
	}
	if len(resp.Result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(resp.Result.Entries))
	}

	resp = h.Handle(&protocol.FileRequestPayload{RequestID: "r2", Operation: protocol.OpExists, Path: "a.txt"})
	if resp.Result.Exists == nil || !*resp.Result.Exists {
		t.Fatal("a.txt must exist")
	}
	resp = h.Handle(&protocol.FileRequestPayload{RequestID: "r3", Operation: protocol.OpExists, Path: "missing.txt"})
	if resp.Result.Exists == nil || *resp.Result.Exists {
		t.Fatal("missing.txt must not exist")
	}
}

func TestHandlerBlocksEscapes(t *testing.T) {
	h := NewHandler(t.TempDir(), nil)

	resp := h.Handle(&protocol.FileRequestPayload{
		RequestID: "r1",
		Operation: protocol.OpRead,
		Path:      "../../etc/passwd",
	})
	if resp.Error == nil {
		t.Fatal("escape must be rejected")
	}
	if resp.Error.Code != errors.ErrCodePathTraversal.Number() {
		t.Fatalf("expected PATH_TRAVERSAL code, got %d", resp.Error.Code)
	}
}

func TestHandlerReadMissingFile(t *testing.T) {
	h := NewHandler(t.TempDir(), nil)

	resp := h.Handle(&protocol.FileRequestPayload{
		RequestID: "r1",
		Operation: protocol.OpRead,
		Path:      "nope.txt",
	})
	if resp.Error == nil || resp.Error.Code != errors.ErrCodeFileNotFound.Number() {
		t.Fatalf("expected FILE_NOT_FOUND, got %+v", resp.Error)
	}
}
