package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of an inference response is decoded.
const maxResponseBytes = 1 << 20

// RoboflowConfig configures the hosted Roboflow inference backend.
type RoboflowConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Threshold float64
	Timeout   time.Duration
}

// Roboflow calls the Roboflow hosted detection API with a base64 encoded image.
type Roboflow struct {
	endpoint  string
	apiKey    string
	threshold float64
	client    *http.Client
	logger    *zap.Logger
}

type roboflowResponse struct {
	Predictions *[]Prediction `json:"predictions"`
}

// NewRoboflow builds a Roboflow backend. The HTTP client uses the default
// transport so it can be intercepted in tests.
func NewRoboflow(cfg RoboflowConfig, logger *zap.Logger) *Roboflow {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Roboflow{
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.Model, "/"),
		apiKey:    cfg.APIKey,
		threshold: cfg.Threshold,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("roboflow"),
	}
}

// Classify implements Classifier.
func (r *Roboflow) Classify(ctx context.Context, path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Failure("roboflow", fmt.Errorf("read image: %w", err))
	}

	q := url.Values{}
	q.Set("api_key", r.apiKey)
	body := strings.NewReader(base64.StdEncoding.EncodeToString(raw))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"?"+q.Encode(), body)
	if err != nil {
		return nil, Failure("roboflow", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("inference request failed", zap.Error(err), zap.String("path", path))
		return nil, Failure("roboflow", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Warn("inference returned non-success status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
		return nil, Failure("roboflow", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload roboflowResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, Failure("roboflow", fmt.Errorf("decode response: %w", err))
	}
	if payload.Predictions == nil {
		return nil, Failure("roboflow", fmt.Errorf("response has no predictions field"))
	}

	labels := FilterPredictions(*payload.Predictions, r.threshold)
	r.logger.Debug("inference complete",
		zap.Int("predictions", len(*payload.Predictions)),
		zap.Strings("labels", labels),
		zap.Duration("elapsed", time.Since(start)),
	)
	return labels, nil
}
