// Package config parses and validates reel's configuration from environment
// variables using caarlos0/env/v11. A .env.local file, if present, is loaded
// first and never overrides variables already set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
)

type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────────
	HTTPAddr           string        `env:"HTTP_ADDR"            envDefault:":8080"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173"`
	SubmitRateLimit    float64       `env:"SUBMIT_RATE_LIMIT"    envDefault:"5"`
	SubmitRateBurst    int           `env:"SUBMIT_RATE_BURST"    envDefault:"10"`

	// ── Job store ────────────────────────────────────────────────────────────────
	DataDir     string `env:"DATA_DIR"     envDefault:"/data"`
	JobStore    string `env:"JOB_STORE"    envDefault:"fs"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPass   string `env:"REDIS_PASSWORD"`
	RedisDB     int    `env:"REDIS_DB"     envDefault:"0"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkerSlots   int `env:"WORKER_SLOTS"   envDefault:"2"`
	QueueCapacity int `env:"QUEUE_CAPACITY" envDefault:"64"`

	// The *_BY_QUALITY maps are written as "4k:1h,high:40m".
	RetryCeiling           int               `env:"RETRY_CEILING"             envDefault:"2"`
	RetryCeilingByQuality  map[string]int    `env:"RETRY_CEILING_BY_QUALITY"`
	RenderTimeout          time.Duration     `env:"RENDER_TIMEOUT"            envDefault:"20m"`
	RenderTimeoutByQuality map[string]string `env:"RENDER_TIMEOUT_BY_QUALITY"`
	UploadTimeout          time.Duration     `env:"UPLOAD_TIMEOUT"            envDefault:"5m"`
	KeepWorkdir            bool              `env:"KEEP_WORKDIR"              envDefault:"false"`

	// ── Renderer ─────────────────────────────────────────────────────────────────
	Renderer            string `env:"RENDERER"              envDefault:"manim"`
	ManimBin            string `env:"MANIM_BIN"             envDefault:"manim"`
	FFmpegBin           string `env:"FFMPEG_BIN"            envDefault:"ffmpeg"`
	FFprobeBin          string `env:"FFPROBE_BIN"           envDefault:"ffprobe"`
	RendererHTTPBaseURL string `env:"RENDERER_HTTP_BASEURL"`

	// ── Storage ──────────────────────────────────────────────────────────────────
	StorageProvider     string `env:"STORAGE_PROVIDER"     envDefault:"localfs"`
	StorageLocalRoot    string `env:"STORAGE_LOCAL_ROOT"`
	PublicBaseURL       string `env:"PUBLIC_BASE_URL"      envDefault:"http://localhost:8080"`
	GDriveClientID      string `env:"GDRIVE_CLIENT_ID"`
	GDriveClientSecret  string `env:"GDRIVE_CLIENT_SECRET"`
	GDriveRefreshToken  string `env:"GDRIVE_REFRESH_TOKEN"`
	GDriveFolderID      string `env:"GDRIVE_FOLDER_ID"`
	GDriveOAuthRedirect string `env:"GDRIVE_OAUTH_REDIRECT" envDefault:"http://localhost:8085/callback"`

	// ── Webhooks ─────────────────────────────────────────────────────────────────
	WebhookSigningSecret          string        `env:"WEBHOOK_SIGNING_SECRET"`
	WebhookSigningSecretSecondary string        `env:"WEBHOOK_SIGNING_SECRET_SECONDARY"`
	WebhookMaxAttempts            int           `env:"WEBHOOK_MAX_ATTEMPTS"  envDefault:"5"`
	WebhookBackoffBase            time.Duration `env:"WEBHOOK_BACKOFF_BASE"  envDefault:"2s"`
	WebhookBackoffMax             time.Duration `env:"WEBHOOK_BACKOFF_MAX"   envDefault:"1m"`
	WebhookTimeout                time.Duration `env:"WEBHOOK_TIMEOUT"       envDefault:"10s"`
	WebhookAllowPrivate           bool          `env:"WEBHOOK_ALLOW_PRIVATE" envDefault:"false"`

	// ── Janitor ──────────────────────────────────────────────────────────────────
	CleanupMaxAge   time.Duration `env:"CLEANUP_MAX_AGE"  envDefault:"24h"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	LogSource   bool   `env:"LOG_SOURCE"   envDefault:"false"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"reel"`
}

// Load reads .env.local (if any) and parses the process environment.
func Load() (*Config, error) {
	loadDotEnv()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "parse environment")
	}
	return cfg, nil
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "parse environment")
	}
	return cfg, nil
}

// loadDotEnv looks for .env.local in the working directory, then its parent.
func loadDotEnv() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(filepath.Dir(cwd), ".env.local"))
}

// Validate checks enums and cross-field requirements. serve=false skips the
// checks only the serve command needs.
func (c *Config) Validate(serve bool) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch c.JobStore {
	case "fs":
	case "postgres":
		if c.DatabaseURL == "" {
			add("DATABASE_URL is required when JOB_STORE=postgres")
		}
	case "redis":
		if c.RedisAddr == "" {
			add("REDIS_ADDR is required when JOB_STORE=redis")
		}
	default:
		add("JOB_STORE must be fs, postgres or redis (got %q)", c.JobStore)
	}

	switch c.Renderer {
	case "manim":
	case "http":
		if c.RendererHTTPBaseURL == "" {
			add("RENDERER_HTTP_BASEURL is required when RENDERER=http")
		}
	default:
		add("RENDERER must be manim or http (got %q)", c.Renderer)
	}

	switch c.StorageProvider {
	case "localfs":
	case "gdrive":
		if c.GDriveClientID == "" || c.GDriveClientSecret == "" || c.GDriveRefreshToken == "" {
			add("GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required when STORAGE_PROVIDER=gdrive")
		}
	default:
		add("STORAGE_PROVIDER must be localfs or gdrive (got %q)", c.StorageProvider)
	}

	if c.WorkerSlots < 1 {
		add("WORKER_SLOTS must be at least 1")
	}
	if c.QueueCapacity < 1 {
		add("QUEUE_CAPACITY must be at least 1")
	}
	if c.RetryCeiling < 1 {
		add("RETRY_CEILING must be at least 1")
	}
	if c.WebhookMaxAttempts < 1 {
		add("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.RenderTimeout <= 0 || c.UploadTimeout <= 0 {
		add("RENDER_TIMEOUT and UPLOAD_TIMEOUT must be positive")
	}
	for q := range c.RetryCeilingByQuality {
		if !models.Quality(q).Valid() {
			add("RETRY_CEILING_BY_QUALITY: unknown quality %q", q)
		}
	}
	if _, err := c.RenderTimeouts(); err != nil {
		add("%s", errors.GetMessage(err))
	}

	if serve && c.WebhookSigningSecret == "" {
		add("WEBHOOK_SIGNING_SECRET is required")
	}

	if len(problems) > 0 {
		return errors.Validation("invalid configuration: "+strings.Join(problems, "; ")).
			WithField("problems", len(problems))
	}
	return nil
}

// RenderTimeouts parses RENDER_TIMEOUT_BY_QUALITY.
func (c *Config) RenderTimeouts() (map[models.Quality]time.Duration, error) {
	out := make(map[models.Quality]time.Duration, len(c.RenderTimeoutByQuality))
	for k, v := range c.RenderTimeoutByQuality {
		q := models.Quality(k)
		if !q.Valid() {
			return nil, errors.Validationf("RENDER_TIMEOUT_BY_QUALITY: unknown quality %q", k)
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.Validationf("RENDER_TIMEOUT_BY_QUALITY: invalid duration %q for %s", v, k)
		}
		out[q] = d
	}
	return out, nil
}

// RetryCeilings returns RETRY_CEILING_BY_QUALITY keyed by quality.
func (c *Config) RetryCeilings() map[models.Quality]int {
	out := make(map[models.Quality]int, len(c.RetryCeilingByQuality))
	for k, v := range c.RetryCeilingByQuality {
		out[models.Quality(k)] = v
	}
	return out
}

func (c *Config) JobsDir() string    { return filepath.Join(c.DataDir, "jobs") }
func (c *Config) ScriptsDir() string { return filepath.Join(c.DataDir, "scripts") }
func (c *Config) WorkDir() string    { return filepath.Join(c.DataDir, "work") }

// LocalStorageRoot defaults to $DATA_DIR/artifacts.
func (c *Config) LocalStorageRoot() string {
	if c.StorageLocalRoot != "" {
		return c.StorageLocalRoot
	}
	return filepath.Join(c.DataDir, "artifacts")
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:       c.LogLevel,
		Format:      c.LogFormat,
		Output:      os.Stdout,
		AddSource:   c.LogSource,
		ServiceName: c.ServiceName,
	}
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	masked := *c
	for _, s := range []*string{
		&masked.DatabaseURL, &masked.RedisPass, &masked.GDriveClientSecret,
		&masked.GDriveRefreshToken, &masked.WebhookSigningSecret, &masked.WebhookSigningSecretSecondary,
	} {
		if *s != "" {
			*s = "****"
		}
	}
	return fmt.Sprintf("%+v", masked)
}
