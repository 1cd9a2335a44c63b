package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"reel/internal/models"
	"reel/internal/ports"
	"reel/internal/scripts"
)

// Workspace is where a job's script lives and where the renderer writes.
type Workspace struct {
	ScriptPath string
	Dir        string
}

type InputHandler struct {
	scripts  *scripts.Store
	sp       ports.StorageProvider
	workRoot string
}

func NewInputHandler(st *scripts.Store, sp ports.StorageProvider, workRoot string) *InputHandler {
	return &InputHandler{
		scripts:  st,
		sp:       sp,
		workRoot: workRoot,
	}
}

// Materialize creates <workRoot>/<job_id> and resolves the script reference,
// downloading storage:// references into the work directory.
func (ih *InputHandler) Materialize(ctx context.Context, job *models.Job) (Workspace, error) {
	dir := filepath.Join(ih.workRoot, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create work directory: %w", err)
	}

	ref := job.Request.ScriptReference
	if !scripts.IsStorageRef(ref) {
		p, err := ih.scripts.Resolve(ref)
		if err != nil {
			return Workspace{}, fmt.Errorf("resolve script %s: %w", ref, err)
		}
		return Workspace{ScriptPath: p, Dir: dir}, nil
	}

	if ih.sp == nil {
		return Workspace{}, fmt.Errorf("storage reference %s but no storage provider configured", ref)
	}
	p, err := ih.download(ctx, scripts.StorageKey(ref), dir)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{ScriptPath: p, Dir: dir}, nil
}

func (ih *InputHandler) download(ctx context.Context, objectKey, dir string) (string, error) {
	rc, _, _, err := ih.sp.GetObject(ctx, objectKey)
	if err != nil {
		return "", fmt.Errorf("download script failed key=%s: %w", objectKey, err)
	}
	defer rc.Close()

	code, err := io.ReadAll(io.LimitReader(rc, scripts.MaxScriptBytes+1))
	if err != nil {
		return "", fmt.Errorf("read script key=%s: %w", objectKey, err)
	}
	if err := scripts.Screen(string(code)); err != nil {
		return "", fmt.Errorf("script key=%s rejected: %w", objectKey, err)
	}

	localPath := filepath.Join(dir, "script.py")
	if err := os.WriteFile(localPath, code, 0o644); err != nil {
		return "", fmt.Errorf("failed to save script locally: %w", err)
	}
	return localPath, nil
}
