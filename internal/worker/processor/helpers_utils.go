package processor

import (
	"fmt"
	"path/filepath"
	"strings"

	"reel/internal/models"
)

// ObjectKey builds the storage key for a job's video:
// renders/<job_id>/<name>_<quality>.mp4
func ObjectKey(jobID, name string, q models.Quality) string {
	return fmt.Sprintf("renders/%s/%s_%s.mp4", jobID, SanitizeFilename(name), q)
}

// artifactName picks the base name for the uploaded video: the scene when a
// single scene was rendered, otherwise "render".
func artifactName(scenes []string, path string) string {
	if len(scenes) == 1 {
		return scenes[0]
	}
	if len(scenes) == 0 && path != "" {
		return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return "render"
}

// SanitizeFilename strips path separators and traversal from a name.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "render"
	}
	return s
}
