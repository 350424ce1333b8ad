// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr       string
	LogLevel       string
	MaxUploadBytes int64
	APIKey         string
	JWTSecret      string
	JWTAudience    string
	CORSOrigins    []string

	DatabaseDriver string
	DatabaseDSN    string
	RedisAddr      string
	StoragePath    string
	LabelsFile     string

	Classifier ClassifierConfig
	Worker     WorkerConfig
}

// ClassifierConfig selects and configures the inference backend.
type ClassifierConfig struct {
	Backend        string
	RoboflowURL    string
	RoboflowKey    string
	RoboflowModel  string
	GRPCAddr       string
	Threshold      float64
	Timeout        time.Duration
	RetryAttempts  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WorkerConfig sizes the background classification pool.
type WorkerConfig struct {
	Count     int
	QueueSize int
}

const (
	BackendRoboflow = "roboflow"
	BackendGRPC     = "grpc"
	BackendStatic   = "static"
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is the normal case in containers.
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxUploadBytes: p.int64Val("MAX_UPLOAD_BYTES", 10<<20),
		APIKey:         os.Getenv("API_KEY"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:    os.Getenv("JWT_AUDIENCE"),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:    getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=birdsnap port=5432 sslmode=disable"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		LabelsFile:     os.Getenv("LABELS_FILE"),
		Classifier: ClassifierConfig{
			Backend:        strings.ToLower(getEnv("CLASSIFIER_BACKEND", BackendRoboflow)),
			RoboflowURL:    getEnv("ROBOFLOW_URL", "https://detect.roboflow.com"),
			RoboflowKey:    os.Getenv("ROBOFLOW_KEY"),
			RoboflowModel:  getEnv("ROBOFLOW_MODEL", "bird-v2/2"),
			GRPCAddr:       getEnv("CLASSIFIER_GRPC_ADDR", "classifier:50051"),
			Threshold:      p.floatVal("CLASSIFIER_THRESHOLD", 0.15),
			Timeout:        p.durationVal("CLASSIFIER_TIMEOUT", 30*time.Second),
			RetryAttempts:  p.intVal("CLASSIFY_RETRY_ATTEMPTS", 1),
			InitialBackoff: p.durationVal("CLASSIFY_RETRY_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:     p.durationVal("CLASSIFY_RETRY_MAX_BACKOFF", 10*time.Second),
		},
		Worker: WorkerConfig{
			Count:     p.intVal("WORKER_COUNT", 4),
			QueueSize: p.intVal("WORKER_QUEUE_SIZE", 100),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.Classifier.Backend {
	case BackendRoboflow:
		if c.Classifier.RoboflowKey == "" {
			return fmt.Errorf("config: ROBOFLOW_KEY is required for the roboflow backend")
		}
	case BackendGRPC, BackendStatic:
	default:
		return fmt.Errorf("config: unsupported CLASSIFIER_BACKEND %q", c.Classifier.Backend)
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold >= 1 {
		return fmt.Errorf("config: CLASSIFIER_THRESHOLD must be in [0,1), got %v", c.Classifier.Threshold)
	}
	if c.Worker.Count < 1 || c.Worker.QueueSize < 1 {
		return fmt.Errorf("config: WORKER_COUNT and WORKER_QUEUE_SIZE must be positive")
	}
	if c.Classifier.RetryAttempts < 1 {
		return fmt.Errorf("config: CLASSIFY_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) intVal(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) int64Val(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) floatVal(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) durationVal(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}
