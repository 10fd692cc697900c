package proto

import (
	"RecycleDetServer/imageproc"
	"RecycleDetServer/monitor"
	"RecycleDetServer/pipeline"
	"RecycleDetServer/pricing"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type Server struct {
	UnimplementedValuationServiceServer
	pool          *pipeline.Pool
	catalog       *pricing.Catalog
	metrics       *monitor.Metrics
	log           *zap.Logger
	allowShutdown bool

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(pool *pipeline.Pool, catalog *pricing.Catalog, metrics *monitor.Metrics, log *zap.Logger, allowShutdown bool) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		pool:          pool,
		catalog:       catalog,
		metrics:       metrics,
		log:           log,
		allowShutdown: allowShutdown,
		CloseChannel:  make(chan struct{}),
	}
}

// Estimate expects {image_base64, mode?, min_confidence?, request_id?} and returns the pipeline result.
func (s *Server) Estimate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.metrics.IncRequest("grpc")
	fields := req.GetFields()

	var image []byte
	if v, ok := fields["image_base64"]; ok {
		data, err := imageproc.DecodeBase64(v.GetStringValue())
		if err != nil {
			if errors.Is(err, imageproc.ErrEmptyImage) {
				return nil, status.Error(codes.InvalidArgument, pipeline.ErrNoImage.Error())
			}
			return nil, status.Errorf(codes.InvalidArgument, "%v: %v", pipeline.ErrInvalidImage, err)
		}
		image = data
	}
	preq := pipeline.Request{
		Image:     image,
		Mode:      pipeline.Mode(fields["mode"].GetStringValue()),
		RequestID: fields["request_id"].GetStringValue(),
	}
	if preq.RequestID == "" {
		preq.RequestID = uuid.New().String()
	}
	if v, ok := fields["min_confidence"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			conf := v.GetNumberValue()
			if conf < 0 || conf > 1 {
				return nil, status.Errorf(codes.InvalidArgument, "min_confidence must be between 0.0 and 1.0, got %f", conf)
			}
			preq.MinConfidence = &conf
		}
	}

	res, err := s.pool.Submit(ctx, preq)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(res)
	if err != nil {
		s.log.Error("encode estimate response", zap.String("request_id", preq.RequestID), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) ListCategories(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.metrics.IncRequest("grpc")
	snapshot := s.catalog.Snapshot()
	categories := make([]interface{}, 0, len(snapshot))
	for _, c := range snapshot {
		categories = append(categories, map[string]interface{}{
			"name":             string(c.Name),
			"density":          c.Density.String(),
			"price_per_kg":     c.PricePerKg,
			"base_coefficient": c.BaseCoefficient,
			"unit":             c.Unit,
			"source":           c.Source,
			"last_updated":     c.LastUpdated,
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"categories": categories,
		"report":     s.catalog.Report(),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.metrics.IncRequest("grpc")
	if !s.allowShutdown {
		return nil, status.Error(codes.PermissionDenied, "remote shutdown is disabled")
	}
	s.closeOnce.Do(func() {
		s.log.Warn("shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case pipeline.IsRequestError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, pipeline.ErrPoolClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(res *pipeline.Result) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server, log *zap.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := grpc.NewServer()
	RegisterValuationServiceServer(s, srv)
	go func() {
		log.Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
