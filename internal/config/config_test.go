package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/models"
	"reel/internal/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "fs", cfg.JobStore)
	assert.Equal(t, 2, cfg.WorkerSlots)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, 2, cfg.RetryCeiling)
	assert.Equal(t, 20*time.Minute, cfg.RenderTimeout)
	assert.Equal(t, 5*time.Minute, cfg.UploadTimeout)
	assert.Equal(t, 5, cfg.WebhookMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.WebhookBackoffBase)
	assert.Equal(t, time.Minute, cfg.WebhookBackoffMax)
	assert.Equal(t, 24*time.Hour, cfg.CleanupMaxAge)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "/data/jobs", cfg.JobsDir())
	assert.Equal(t, "/data/work", cfg.WorkDir())
	assert.Equal(t, "/data/artifacts", cfg.LocalStorageRoot())

	assert.NoError(t, cfg.Validate(false))
	assert.Error(t, cfg.Validate(true), "serve requires a signing secret")
}

func TestLoadPerQualityOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"RETRY_CEILING_BY_QUALITY":  "4k:1,high:3",
		"RENDER_TIMEOUT_BY_QUALITY": "4k:1h,low:5m",
		"WEBHOOK_SIGNING_SECRET":    "s3cret",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(true))

	assert.Equal(t, map[models.Quality]int{models.Quality4K: 1, models.QualityHigh: 3}, cfg.RetryCeilings())

	timeouts, err := cfg.RenderTimeouts()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, timeouts[models.Quality4K])
	assert.Equal(t, 5*time.Minute, timeouts[models.QualityLow])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown job store",
			env:     map[string]string{"JOB_STORE": "sqlite"},
			wantErr: "JOB_STORE",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"JOB_STORE": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "redis without addr",
			env:     map[string]string{"JOB_STORE": "redis"},
			wantErr: "REDIS_ADDR",
		},
		{
			name:    "http renderer without base url",
			env:     map[string]string{"RENDERER": "http"},
			wantErr: "RENDERER_HTTP_BASEURL",
		},
		{
			name:    "gdrive without credentials",
			env:     map[string]string{"STORAGE_PROVIDER": "gdrive"},
			wantErr: "GDRIVE_CLIENT_ID",
		},
		{
			name:    "zero slots",
			env:     map[string]string{"WORKER_SLOTS": "0"},
			wantErr: "WORKER_SLOTS",
		},
		{
			name:    "bad quality override",
			env:     map[string]string{"RETRY_CEILING_BY_QUALITY": "8k:2"},
			wantErr: "RETRY_CEILING_BY_QUALITY",
		},
		{
			name:    "bad duration override",
			env:     map[string]string{"RENDER_TIMEOUT_BY_QUALITY": "low:soon"},
			wantErr: "RENDER_TIMEOUT_BY_QUALITY",
		},
		{
			name: "valid redis",
			env:  map[string]string{"JOB_STORE": "redis", "REDIS_ADDR": "localhost:6379"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFrom(tt.env)
			require.NoError(t, err)

			err = cfg.Validate(false)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	_, err := LoadFrom(map[string]string{"WORKER_SLOTS": "many"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestStringMasksSecrets(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"WEBHOOK_SIGNING_SECRET": "top-secret-value",
		"DATABASE_URL":           "postgres://u:pw@db/reel",
	})
	require.NoError(t, err)

	s := cfg.String()
	assert.False(t, strings.Contains(s, "top-secret-value"))
	assert.False(t, strings.Contains(s, "pw@db"))
	assert.Equal(t, "top-secret-value", cfg.WebhookSigningSecret, "String must not mutate the config")
}
