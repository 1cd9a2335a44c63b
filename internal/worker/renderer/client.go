package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	contracts "reel/internal/contracts/renderer/v1"
	"reel/internal/models"
)

// Input describes one render.
type Input struct {
	JobID      string
	ScriptPath string
	SceneName  string // empty renders every Scene subclass in the script
	Quality    models.Quality
	WorkDir    string
}

// Artifact is the finished video on local disk.
type Artifact struct {
	Path            string
	SizeBytes       int64
	DurationSeconds float64
	Scenes          []string
}

// Client renders a script into a video file. Implementations block until the
// video exists and should honour ctx cancellation.
type Client interface {
	Render(ctx context.Context, in Input) (Artifact, error)
}

// HTTPClient delegates rendering to a remote service on a shared volume.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Hour},
	}
}

func (c *HTTPClient) Render(ctx context.Context, in Input) (Artifact, error) {
	spec := contracts.RenderRequest{
		JobID:      in.JobID,
		ScriptPath: in.ScriptPath,
		SceneName:  in.SceneName,
		Quality:    string(in.Quality),
		WorkDir:    in.WorkDir,
	}

	var out contracts.RenderResponse
	if err := c.post(ctx, "/render", spec, &out); err != nil {
		return Artifact{}, err
	}
	if out.OutputPath == "" {
		return Artifact{}, fmt.Errorf("renderer returned no output_path")
	}

	st, err := os.Stat(out.OutputPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("renderer output not readable: %w", err)
	}

	return Artifact{
		Path:            out.OutputPath,
		SizeBytes:       st.Size(),
		DurationSeconds: out.DurationSeconds,
		Scenes:          out.Scenes,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, spec, out any) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read renderer response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var e contracts.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("renderer http %d: %s", res.StatusCode, e.Error)
		}
		return fmt.Errorf("renderer http %d", res.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
