package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/smile-check/internal/imagecodec"
	"github.com/example/smile-check/internal/landmarks"
	"github.com/example/smile-check/internal/logging"
)

// ErrNotServing is returned when the health service reports anything but SERVING.
var ErrNotServing = errors.New("landmark service not serving")

// DialLandmarkService returns a ready-to-use gRPC client for the landmark oracle.
func DialLandmarkService(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*LandmarkClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_landmark_service", "", err)
		logger.Error("failed to dial landmark service", logging.ErrorField(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewLandmarkClient(conn, logger), conn, nil
}

// LandmarkClient implements landmarks.Oracle over gRPC.
type LandmarkClient struct {
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
	logger *zap.Logger
}

var _ landmarks.Oracle = (*LandmarkClient)(nil)

// NewLandmarkClient wraps an established connection.
func NewLandmarkClient(conn grpc.ClientConnInterface, logger *zap.Logger) *LandmarkClient {
	return &LandmarkClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger.Named("landmark_client"),
	}
}

// Detect sends the image as grayscale PNG and returns the faces found. It
// issues exactly one RPC.
func (c *LandmarkClient) Detect(ctx context.Context, img image.Image) ([]landmarks.Face, error) {
	payload, err := imagecodec.EncodePNG(imagecodec.ToGray(img))
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_request", "", err)
	}

	reply := new(structpb.Struct)
	start := time.Now()
	if err := c.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(payload), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_landmarks", "", err)
		c.logger.Error("landmark detection call failed", logging.ErrorField(wrapped), zap.Int("payload_bytes", len(payload)))
		return nil, wrapped
	}

	faces, err := DecodeFaces(reply)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.decode_reply", "", err)
		c.logger.Error("landmark reply rejected", logging.ErrorField(wrapped))
		return nil, wrapped
	}
	c.logger.Debug("landmark detection complete",
		zap.Int("faces", len(faces)),
		zap.Duration("latency", time.Since(start)),
	)
	return faces, nil
}

// Ready performs one gRPC health check against ServiceName.
func (c *LandmarkClient) Ready(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}
