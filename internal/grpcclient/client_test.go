package grpcclient

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/birdsnap/internal/classifier"
)

type handlerFunc func(req *structpb.Struct) (*structpb.Struct, error)

// startServer runs an in-memory gRPC server that answers ClassifyMethod with fn.
func startServer(t *testing.T, fn handlerFunc) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != ClassifyMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := fn(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener, threshold float64) classifier.Classifier {
	t.Helper()
	c, conn, err := DialClassifier(context.Background(), "bufnet", threshold, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return c
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "2024_01_01_10_00_00.jpeg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF}, 0o644))
	return path
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestClassifyFiltersPredictions(t *testing.T) {
	var gotFilename string
	lis := startServer(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		gotFilename = req.GetFields()["filename"].GetStringValue()
		return mustStruct(t, map[string]interface{}{
			"predictions": []interface{}{
				map[string]interface{}{"class": "blue-jay", "confidence": 0.9},
				map[string]interface{}{"class": "wood-duck", "confidence": 0.1},
			},
		}), nil
	})

	labels, err := dial(t, lis, classifier.DefaultThreshold).Classify(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"blue-jay"}, labels)
	assert.Equal(t, "2024_01_01_10_00_00.jpeg", gotFilename)
}

func TestClassifyFoldsErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   handlerFunc
	}{
		{"rpc_error", func(*structpb.Struct) (*structpb.Struct, error) {
			return nil, status.Error(codes.Unavailable, "model loading")
		}},
		{"missing_predictions", func(*structpb.Struct) (*structpb.Struct, error) {
			return mustStruct(t, map[string]interface{}{"ok": true}), nil
		}},
		{"predictions_not_list", func(*structpb.Struct) (*structpb.Struct, error) {
			return mustStruct(t, map[string]interface{}{"predictions": "none"}), nil
		}},
		{"prediction_without_confidence", func(*structpb.Struct) (*structpb.Struct, error) {
			return mustStruct(t, map[string]interface{}{
				"predictions": []interface{}{map[string]interface{}{"class": "blue-jay"}},
			}), nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lis := startServer(t, tt.fn)
			labels, err := dial(t, lis, classifier.DefaultThreshold).Classify(context.Background(), writeImage(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, classifier.ErrClassifierFailure))
			assert.Nil(t, labels)
		})
	}
}
