package renderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/scripts"
)

// qualityProfile maps a quality to the manim flag and the folder manim
// writes that quality's videos to.
type qualityProfile struct {
	flag   string
	folder string
}

var qualityProfiles = map[models.Quality]qualityProfile{
	models.QualityLow:    {"-ql", "480p15"},
	models.QualityMedium: {"-qm", "720p30"},
	models.QualityHigh:   {"-qh", "1080p60"},
	models.Quality4K:     {"-qk", "2160p60"},
}

const stderrTail = 500

// runFunc runs a binary and returns captured output.
type runFunc func(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Bounds how long Wait blocks on pipes held by orphaned grandchildren after a kill.
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ManimConfig names the binaries the renderer shells out to.
type ManimConfig struct {
	ManimBin   string
	FFmpegBin  string
	FFprobeBin string
}

// Manim renders by running the manim CLI as a subprocess, one scene at a
// time, and concatenates multiple scenes with ffmpeg.
type Manim struct {
	cfg ManimConfig
	log *logger.Logger
	run runFunc
}

func NewManim(cfg ManimConfig, log *logger.Logger) *Manim {
	if cfg.ManimBin == "" {
		cfg.ManimBin = "manim"
	}
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	return &Manim{cfg: cfg, log: log.WithComponent("manim"), run: execRun}
}

func (m *Manim) Render(ctx context.Context, in Input) (Artifact, error) {
	profile, ok := qualityProfiles[in.Quality]
	if !ok {
		return Artifact{}, fmt.Errorf("unsupported quality %q", in.Quality)
	}

	scenes, err := m.scenesFor(in)
	if err != nil {
		return Artifact{}, err
	}

	mediaDir := filepath.Join(in.WorkDir, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create media dir: %w", err)
	}
	scriptBase := strings.TrimSuffix(filepath.Base(in.ScriptPath), filepath.Ext(in.ScriptPath))

	log := m.log.WithJobID(in.JobID)
	clips := make([]string, 0, len(scenes))
	for _, scene := range scenes {
		if err := ctx.Err(); err != nil {
			return Artifact{}, err
		}

		start := time.Now()
		_, stderr, err := m.run(ctx, in.WorkDir, m.cfg.ManimBin,
			profile.flag, "--media_dir", mediaDir, "--disable_caching", in.ScriptPath, scene)
		if err != nil {
			if ctx.Err() != nil {
				return Artifact{}, ctx.Err()
			}
			return Artifact{}, sceneError(scene, stderr, err)
		}

		clip := filepath.Join(mediaDir, "videos", scriptBase, profile.folder, scene+".mp4")
		if _, err := os.Stat(clip); err != nil {
			return Artifact{}, fmt.Errorf("render finished but video for scene '%s' not found at %s", scene, clip)
		}
		log.Debug("scene rendered", "scene", scene, "duration_ms", time.Since(start).Milliseconds())
		clips = append(clips, clip)
	}

	out := clips[0]
	if len(clips) > 1 {
		out, err = m.concat(ctx, in.WorkDir, clips)
		if err != nil {
			return Artifact{}, err
		}
	}

	st, err := os.Stat(out)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat output: %w", err)
	}

	return Artifact{
		Path:            out,
		SizeBytes:       st.Size(),
		DurationSeconds: m.probeDuration(ctx, out),
		Scenes:          scenes,
	}, nil
}

func (m *Manim) scenesFor(in Input) ([]string, error) {
	if in.SceneName != "" {
		return []string{in.SceneName}, nil
	}
	code, err := os.ReadFile(in.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	scenes := scripts.Scenes(string(code))
	if len(scenes) == 0 {
		return nil, fmt.Errorf("no Scene classes found in script")
	}
	return scenes, nil
}

func (m *Manim) concat(ctx context.Context, workDir string, clips []string) (string, error) {
	var list strings.Builder
	for _, c := range clips {
		abs, err := filepath.Abs(c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	out := filepath.Join(workDir, "final_output.mp4")
	_, stderr, err := m.run(ctx, workDir, m.cfg.FFmpegBin,
		"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to concatenate videos: %s", tail(stderr, stderrTail))
	}
	return out, nil
}

// probeDuration is best effort; zero means unknown.
func (m *Manim) probeDuration(ctx context.Context, path string) float64 {
	stdout, _, err := m.run(ctx, filepath.Dir(path), m.cfg.FFprobeBin,
		"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		return 0
	}
	return d
}

func sceneError(scene string, stderr []byte, runErr error) error {
	msg := tail(stderr, stderrTail)
	if msg == "" {
		msg = runErr.Error()
	}
	lower := strings.ToLower(string(stderr))
	if strings.Contains(lower, "latex") || strings.Contains(lower, ".tex") {
		return fmt.Errorf("LaTeX rendering failed in scene '%s'. Use Text() instead of Tex() for simple text. Error: %s", scene, msg)
	}
	return fmt.Errorf("render failed for scene '%s': %s", scene, msg)
}

// tail keeps at most the last n bytes of b, starting on a rune boundary.
func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
