package proto

import (
	iface "RecycleDetServer/interface"
	"RecycleDetServer/pipeline"
	"RecycleDetServer/pricing"
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type MockDetector struct {
	dets []iface.Detection
}

func (m *MockDetector) Name() string { return "mock" }
func (m *MockDetector) Detect(ctx context.Context, img iface.ImageData) ([]iface.Detection, error) {
	return m.dets, nil
}

func encodedImage(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func startTestServer(t *testing.T, allowShutdown bool) (ValuationServiceClient, *Server) {
	t.Helper()
	catalog := pricing.NewCatalog()
	p := pipeline.New(pricing.NewEstimator(catalog),
		pipeline.WithPrimary(&MockDetector{dets: []iface.Detection{{
			Box:        iface.BBox{X1: 0, Y1: 0, X2: 32, Y2: 32},
			Confidence: 0.9,
			Label:      "AluCan",
		}}}),
		pipeline.WithSecondary(&MockDetector{}))
	pool := pipeline.NewPool(p, 2, nil)
	srv := NewServer(pool, catalog, nil, nil, allowShutdown)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterValuationServiceServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		pool.Close()
		p.Close()
	})
	return NewValuationServiceClient(conn), srv
}

func TestValuationService(t *testing.T) {
	client, srv := startTestServer(t, true)
	ctx := context.Background()

	t.Run("Estimate", func(t *testing.T) {
		req, err := structpb.NewStruct(map[string]interface{}{
			"image_base64": encodedImage(t),
			"request_id":   "grpc-1",
		})
		require.NoError(t, err)

		resp, err := client.Estimate(ctx, req)
		require.NoError(t, err)
		fields := resp.GetFields()
		assert.Equal(t, "grpc-1", fields["request_id"].GetStringValue())
		assert.Equal(t, "fused", fields["mode"].GetStringValue())
		assert.Equal(t, 1.0, fields["total_detections"].GetNumberValue())
		assert.Greater(t, fields["total_price"].GetNumberValue(), 0.0)

		dets := fields["detections"].GetListValue().GetValues()
		require.Len(t, dets, 1)
		assert.Equal(t, "aluminum_can", dets[0].GetStructValue().GetFields()["category"].GetStringValue())
	})

	t.Run("Estimate without image", func(t *testing.T) {
		_, err := client.Estimate(ctx, &structpb.Struct{})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Estimate with garbage image", func(t *testing.T) {
		req, err := structpb.NewStruct(map[string]interface{}{
			"image_base64": base64.StdEncoding.EncodeToString([]byte("nope")),
		})
		require.NoError(t, err)
		_, err = client.Estimate(ctx, req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Estimate with bad confidence", func(t *testing.T) {
		req, err := structpb.NewStruct(map[string]interface{}{
			"image_base64":   encodedImage(t),
			"min_confidence": 1.5,
		})
		require.NoError(t, err)
		_, err = client.Estimate(ctx, req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("ListCategories", func(t *testing.T) {
		resp, err := client.ListCategories(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		cats := resp.GetFields()["categories"].GetListValue().GetValues()
		assert.NotEmpty(t, cats)
		assert.Contains(t, resp.GetFields()["report"].GetStringValue(), "aluminum_can")
	})

	t.Run("Shutdown", func(t *testing.T) {
		_, err := client.Shutdown(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		_, ok := <-srv.CloseChannel
		assert.False(t, ok)

		// a second call is harmless
		_, err = client.Shutdown(ctx, &emptypb.Empty{})
		assert.NoError(t, err)
	})
}

func TestValuationService_ShutdownDisabled(t *testing.T) {
	client, _ := startTestServer(t, false)
	_, err := client.Shutdown(context.Background(), &emptypb.Empty{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}
