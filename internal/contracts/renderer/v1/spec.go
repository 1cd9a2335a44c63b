package v1

// RenderRequest is the body POSTed to a remote renderer's /render endpoint.
// Paths refer to a volume shared between this service and the renderer.
type RenderRequest struct {
	JobID      string `json:"job_id"`
	ScriptPath string `json:"script_path"`
	SceneName  string `json:"scene_name,omitempty"`
	Quality    string `json:"quality"`
	WorkDir    string `json:"work_dir"`
}

// RenderResponse is returned with a 2xx status once the video exists at OutputPath.
type RenderResponse struct {
	OutputPath      string   `json:"output_path"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	Scenes          []string `json:"scenes,omitempty"`
}

// ErrorResponse is returned with a non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
