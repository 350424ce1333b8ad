// Package grpcclient implements the gRPC inference backend.
//
// The remote service exposes a single unary method taking and returning
// google.protobuf.Struct messages:
//
//	request:  {"filename": string, "image": base64 string}
//	response: {"predictions": [{"class": string, "confidence": number}, ...]}
package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/birdsnap/internal/classifier"
	"github.com/example/birdsnap/internal/logging"
)

// ClassifyMethod is the full gRPC method name of the inference call.
const ClassifyMethod = "/birdsnap.v1.BirdClassifier/Classify"

// DialClassifier returns a ready-to-use gRPC classifier backend. Extra dial
// options are appended after the defaults.
func DialClassifier(ctx context.Context, addr string, threshold float64, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", addr, err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcClassifier{conn: conn, threshold: threshold, logger: logger.Named("grpc_classifier")}, conn, nil
}

type grpcClassifier struct {
	conn      grpc.ClientConnInterface
	threshold float64
	logger    *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, classifier.Failure("grpc", fmt.Errorf("read image: %w", err))
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"filename": filepath.Base(path),
		"image":    base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return nil, classifier.Failure("grpc", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		g.logger.Warn("classifier call failed", zap.Error(err), zap.String("path", path))
		return nil, classifier.Failure("grpc", err)
	}

	predictions, err := decodePredictions(resp)
	if err != nil {
		return nil, classifier.Failure("grpc", err)
	}
	return classifier.FilterPredictions(predictions, g.threshold), nil
}

func decodePredictions(resp *structpb.Struct) ([]classifier.Prediction, error) {
	field, ok := resp.GetFields()["predictions"]
	if !ok {
		return nil, fmt.Errorf("response has no predictions field")
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("predictions is not a list")
	}

	predictions := make([]classifier.Prediction, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("prediction %d is not an object", i)
		}
		fields := entry.GetFields()
		class, ok := fields["class"]
		if !ok {
			return nil, fmt.Errorf("prediction %d has no class", i)
		}
		confidence, ok := fields["confidence"]
		if !ok {
			return nil, fmt.Errorf("prediction %d has no confidence", i)
		}
		predictions = append(predictions, classifier.Prediction{
			Class:      class.GetStringValue(),
			Confidence: confidence.GetNumberValue(),
		})
	}
	return predictions, nil
}
