package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/smile-check/internal/landmarks"
)

const (
	// ServiceName is the gRPC service exposed by the landmark oracle.
	ServiceName = "landmarks.v1.LandmarkService"
	// DetectMethod is the full method name of the unary Detect call.
	DetectMethod = "/" + ServiceName + "/Detect"
)

// ErrMalformedReply is returned when the oracle's reply does not describe 68-point faces.
var ErrMalformedReply = errors.New("malformed landmark reply")

// LandmarkServer is implemented by landmark oracles served from Go.
// The request is a PNG-encoded grayscale image.
type LandmarkServer interface {
	Detect(ctx context.Context, image []byte) ([]landmarks.Face, error)
}

// RegisterLandmarkServer attaches impl to s under ServiceName.
func RegisterLandmarkServer(s grpc.ServiceRegistrar, impl LandmarkServer) {
	s.RegisterService(&landmarkServiceDesc, impl)
}

var landmarkServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LandmarkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "landmarks/v1/landmarks.proto",
}

func detectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		faces, err := srv.(LandmarkServer).Detect(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, err
		}
		return EncodeFaces(faces)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectMethod}
	return interceptor(ctx, in, info, handle)
}

// EncodeFaces builds the reply message:
//
//	{"faces": [{"box": {"left": L, "top": T, "right": R, "bottom": B}, "landmarks": [[x, y], ...]}]}
func EncodeFaces(faces []landmarks.Face) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(faces))
	for _, f := range faces {
		points := make([]interface{}, 0, landmarks.Count)
		for _, p := range f.Landmarks {
			points = append(points, []interface{}{float64(p.X), float64(p.Y)})
		}
		list = append(list, map[string]interface{}{
			"box": map[string]interface{}{
				"left":   float64(f.Box.Left),
				"top":    float64(f.Box.Top),
				"right":  float64(f.Box.Right),
				"bottom": float64(f.Box.Bottom),
			},
			"landmarks": points,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"faces": list})
}

// DecodeFaces parses a reply built by EncodeFaces. A missing "faces" field means no faces.
func DecodeFaces(reply *structpb.Struct) ([]landmarks.Face, error) {
	raw, ok := reply.GetFields()["faces"]
	if !ok {
		return nil, nil
	}
	list := raw.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: faces is not a list", ErrMalformedReply)
	}

	faces := make([]landmarks.Face, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		face, err := decodeFace(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("%w: face %d: %v", ErrMalformedReply, i, err)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func decodeFace(s *structpb.Struct) (landmarks.Face, error) {
	var face landmarks.Face
	if s == nil {
		return face, errors.New("not an object")
	}

	box := s.GetFields()["box"].GetStructValue()
	if box == nil {
		return face, errors.New("missing box")
	}
	edges := []struct {
		name string
		dst  *int
	}{
		{"left", &face.Box.Left},
		{"top", &face.Box.Top},
		{"right", &face.Box.Right},
		{"bottom", &face.Box.Bottom},
	}
	for _, e := range edges {
		n, err := coordinate(box.GetFields()[e.name])
		if err != nil {
			return face, fmt.Errorf("box.%s: %v", e.name, err)
		}
		*e.dst = n
	}

	points := s.GetFields()["landmarks"].GetListValue().GetValues()
	if len(points) != landmarks.Count {
		return face, fmt.Errorf("expected %d landmarks, got %d", landmarks.Count, len(points))
	}
	for i, p := range points {
		xy := p.GetListValue().GetValues()
		if len(xy) != 2 {
			return face, fmt.Errorf("landmark %d: expected [x, y]", i)
		}
		x, err := coordinate(xy[0])
		if err != nil {
			return face, fmt.Errorf("landmark %d x: %v", i, err)
		}
		y, err := coordinate(xy[1])
		if err != nil {
			return face, fmt.Errorf("landmark %d y: %v", i, err)
		}
		face.Landmarks[i] = landmarks.Point{X: x, Y: y}
	}
	return face, nil
}

func coordinate(v *structpb.Value) (int, error) {
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, errors.New("not a number")
	}
	n := v.GetNumberValue()
	if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt32 {
		return 0, fmt.Errorf("out of range: %v", n)
	}
	return int(math.Round(n)), nil
}
