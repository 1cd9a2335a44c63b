package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"reel/internal/pkg/errors"
)

// StreamArtifact serves a stored render. It is the target of localfs
// public URLs.
func (h *Handler) StreamArtifact(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	objectKey := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if objectKey == "" {
		return errors.NotFound("artifact", "")
	}

	rc, ct, size, err := h.sp.GetObject(ctx, objectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(ctx).Warn("artifact stream interrupted", "object_key", objectKey, "error", err.Error())
	}
	return nil
}
