package processor

import (
	"context"
	"fmt"
	"os"

	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker/renderer"
)

// Uploader publishes a rendered artifact and returns the job result.
type Uploader interface {
	Upload(ctx context.Context, jobID string, q models.Quality, art renderer.Artifact) (models.Result, error)
}

// OutputHandler uploads through a StorageProvider.
type OutputHandler struct {
	sp  ports.StorageProvider
	log *logger.Logger
}

func NewOutputHandler(sp ports.StorageProvider, log *logger.Logger) *OutputHandler {
	return &OutputHandler{sp: sp, log: log.WithComponent("uploader")}
}

func (oh *OutputHandler) Upload(ctx context.Context, jobID string, q models.Quality, art renderer.Artifact) (models.Result, error) {
	st, err := os.Stat(art.Path)
	if err != nil {
		return models.Result{}, fmt.Errorf("artifact not found: %w", err)
	}

	f, err := os.Open(art.Path)
	if err != nil {
		return models.Result{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	key := ObjectKey(jobID, artifactName(art.Scenes, art.Path), q)
	put, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return models.Result{}, fmt.Errorf("failed to upload artifact: %w", err)
	}

	url, err := oh.sp.PublicURL(ctx, put.ObjectKey)
	if err != nil {
		// Do not leave an object nobody can reach.
		if delErr := oh.sp.DeleteObject(context.WithoutCancel(ctx), put.ObjectKey); delErr != nil {
			oh.log.Warn("failed to delete orphaned object",
				"job_id", jobID, "object_key", put.ObjectKey, "error", delErr.Error())
		}
		return models.Result{}, fmt.Errorf("failed to obtain public url: %w", err)
	}

	size := put.Size
	if size == 0 {
		size = st.Size()
	}
	return models.Result{
		URL:             url,
		ObjectKey:       put.ObjectKey,
		SizeBytes:       size,
		DurationSeconds: art.DurationSeconds,
		Scenes:          art.Scenes,
	}, nil
}
