package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLASSIFIER_BACKEND", "static")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.InDelta(t, 0.15, cfg.Classifier.Threshold, 1e-9)
	assert.Equal(t, 1, cfg.Classifier.RetryAttempts)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 100, cfg.Worker.QueueSize)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLASSIFIER_BACKEND", "grpc")
	t.Setenv("CLASSIFIER_THRESHOLD", "0.4")
	t.Setenv("CLASSIFIER_TIMEOUT", "2s")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("CORS_ORIGINS", "https://birds.example, ,http://localhost:4200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendGRPC, cfg.Classifier.Backend)
	assert.InDelta(t, 0.4, cfg.Classifier.Threshold, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Classifier.Timeout)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, []string{"https://birds.example", "http://localhost:4200"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad_int", map[string]string{"WORKER_COUNT": "many"}},
		{"bad_duration", map[string]string{"CLASSIFIER_TIMEOUT": "soon"}},
		{"zero_workers", map[string]string{"WORKER_COUNT": "0"}},
		{"threshold_out_of_range", map[string]string{"CLASSIFIER_THRESHOLD": "1.5"}},
		{"unknown_backend", map[string]string{"CLASSIFIER_BACKEND": "oracle"}},
		{"unknown_driver", map[string]string{"DATABASE_DRIVER": "mongo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLASSIFIER_BACKEND", "static")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresRoboflowKey(t *testing.T) {
	t.Setenv("CLASSIFIER_BACKEND", "roboflow")
	t.Setenv("ROBOFLOW_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROBOFLOW_KEY")
}
