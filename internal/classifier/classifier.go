// Package classifier determines which bird species appear in a stored image.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// DefaultThreshold is the minimum confidence a prediction must exceed.
const DefaultThreshold = 0.15

// ErrClassifierFailure is the only error kind callers of Classify see. Transport
// errors, non-2xx responses and malformed payloads are all folded into it.
var ErrClassifierFailure = errors.New("classification failed")

// Classifier is one inference backend.
type Classifier interface {
	// Classify returns the species labels detected in the image at path whose
	// confidence exceeds the backend's threshold. An empty result means no bird.
	Classify(ctx context.Context, path string) ([]string, error)
}

// Prediction is a single raw label/confidence pair returned by a backend.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// FilterPredictions keeps the labels whose confidence is strictly greater than
// threshold, in input order. Every qualifying detection contributes one label,
// so two birds of the same species yield the label twice.
func FilterPredictions(predictions []Prediction, threshold float64) []string {
	labels := make([]string, 0, len(predictions))
	for _, p := range predictions {
		if p.Class == "" || p.Confidence <= threshold {
			continue
		}
		labels = append(labels, p.Class)
	}
	return labels
}

// Failure wraps cause so that errors.Is(err, ErrClassifierFailure) holds while
// keeping a readable message. The cause itself is not exposed through Unwrap.
func Failure(backend string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", backend, ErrClassifierFailure)
	}
	return fmt.Errorf("%s: %w: %s", backend, ErrClassifierFailure, cause.Error())
}

// Static is a deterministic backend that filters a fixed prediction set.
// It backs the "static" configuration and doubles as a test classifier.
type Static struct {
	Predictions []Prediction
	Threshold   float64
	Err         error
}

// Classify implements Classifier.
func (s *Static) Classify(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, Failure("static", err)
	}
	if s.Err != nil {
		return nil, Failure("static", s.Err)
	}
	return FilterPredictions(s.Predictions, s.Threshold), nil
}
