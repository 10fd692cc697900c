package main

import (
	iface "RecycleDetServer/interface"
	"RecycleDetServer/pipeline"
	"RecycleDetServer/pricing"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type MockDetector struct{}

func (m *MockDetector) Name() string { return "mock" }
func (m *MockDetector) Detect(ctx context.Context, img iface.ImageData) ([]iface.Detection, error) {
	return []iface.Detection{{
		Box:        iface.BBox{X1: 0, Y1: 0, X2: float64(img.Width) / 2, Y2: float64(img.Height) / 2},
		Confidence: 0.9,
		Label:      "AluCan",
	}}, nil
}

type MockStore struct {
	records   []iface.DetectionRecord
	feedback  []iface.FeedbackRecord
	stats     iface.Statistics
	err       error
	lastLimit int
}

func (m *MockStore) ListDetectionRecords(ctx context.Context, limit int) ([]iface.DetectionRecord, error) {
	m.lastLimit = limit
	return m.records, m.err
}

func (m *MockStore) ListFeedback(ctx context.Context, limit int) ([]iface.FeedbackRecord, error) {
	m.lastLimit = limit
	return m.feedback, m.err
}

func (m *MockStore) SaveFeedback(ctx context.Context, fb iface.FeedbackRecord) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.feedback = append(m.feedback, fb)
	return "01J00000000000000000000000", nil
}

func (m *MockStore) Statistics(ctx context.Context) (iface.Statistics, error) {
	return m.stats, m.err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 80, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.NRGBA{G: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestAPI(t *testing.T, store HistoryStore) (*API, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	catalog := pricing.NewCatalog()
	p := pipeline.New(pricing.NewEstimator(catalog),
		pipeline.WithPrimary(&MockDetector{}),
		pipeline.WithSecondary(&MockDetector{}))
	pool := pipeline.NewPool(p, 2, nil)
	t.Cleanup(func() {
		pool.Close()
		p.Close()
	})
	api := &API{pool: pool, catalog: catalog, store: store, wsIdleTimeout: time.Second}
	return api, NewRouter(api)
}

func do(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestPing(t *testing.T) {
	_, r := newTestAPI(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(requestIDHeader, "trace-me")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
	assert.Equal(t, "trace-me", w.Header().Get(requestIDHeader))
}

func TestDetect(t *testing.T) {
	_, r := newTestAPI(t, nil)

	t.Run("multipart upload", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("image", "bin.png")
		require.NoError(t, err)
		_, err = part.Write(pngBytes(t))
		require.NoError(t, err)
		require.NoError(t, mw.WriteField("mode", "primary"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w, env := do(r, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, env.Success)

		var res pipeline.Result
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.Equal(t, pipeline.ModePrimary, res.Mode)
		require.Len(t, res.Detections, 1)
		assert.Equal(t, iface.Category("aluminum_can"), res.Detections[0].Category)
		assert.NotEmpty(t, res.RequestID)
	})

	t.Run("base64 json", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{
			"image_base64": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t)),
		})
		w, env := do(r, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res pipeline.Result
		require.NoError(t, json.Unmarshal(env.Data, &res))
		assert.Equal(t, pipeline.ModeFused, res.Mode)
		// both mocks report the same box, fusion keeps one
		assert.Len(t, res.Detections, 1)
		assert.Greater(t, res.TotalPrice, 0.0)
	})

	t.Run("missing image", func(t *testing.T) {
		w, env := do(r, jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.False(t, env.Success)
		assert.Contains(t, env.Error, "no image")
	})

	t.Run("undecodable image", func(t *testing.T) {
		w, _ := do(r, jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{
			"image_base64": base64.StdEncoding.EncodeToString([]byte("hello")),
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("confidence out of range", func(t *testing.T) {
		w, _ := do(r, jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{
			"image_base64":   base64.StdEncoding.EncodeToString(pngBytes(t)),
			"min_confidence": 2,
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown mode", func(t *testing.T) {
		w, _ := do(r, jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{
			"image_base64": base64.StdEncoding.EncodeToString(pngBytes(t)),
			"mode":         "sideways",
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDetect_TooLarge(t *testing.T) {
	api, r := newTestAPI(t, nil)
	api.maxUpload = 16

	t.Run("multipart", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("image", "bin.png")
		require.NoError(t, err)
		_, err = part.Write(pngBytes(t))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w, env := do(r, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, env.Error, "too large")
	})

	t.Run("json body", func(t *testing.T) {
		w, _ := do(r, jsonRequest(http.MethodPost, "/api/v1/detect", map[string]interface{}{
			"image_base64": strings.Repeat("A", 10000),
		}))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestCategoriesAndPrices(t *testing.T) {
	_, r := newTestAPI(t, nil)

	t.Run("json listing", func(t *testing.T) {
		w, env := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var cats []map[string]interface{}
		require.NoError(t, json.Unmarshal(env.Data, &cats))
		assert.NotEmpty(t, cats)
		assert.Contains(t, cats[0], "density")
	})

	t.Run("text report", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/categories?format=text", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "aluminum_can")
	})

	t.Run("merge prices", func(t *testing.T) {
		w, env := do(r, jsonRequest(http.MethodPost, "/api/v1/prices", map[string]interface{}{
			"aluminum_can": map[string]interface{}{"price_per_kg": 30.5},
			"unobtainium":  map[string]interface{}{"price_per_kg": 1000},
		}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"updated":1}`, string(env.Data))

		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/categories?format=text", nil))
		assert.Contains(t, w.Body.String(), "30.50")
	})

	t.Run("empty price table", func(t *testing.T) {
		w, _ := do(r, jsonRequest(http.MethodPost, "/api/v1/prices", map[string]interface{}{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHistoryAndFeedback(t *testing.T) {
	t.Run("storage disabled", func(t *testing.T) {
		_, r := newTestAPI(t, nil)
		for _, path := range []string{"/api/v1/history", "/api/v1/statistics", "/api/v1/feedback"} {
			w, _ := do(r, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		}
	})

	t.Run("history and statistics", func(t *testing.T) {
		store := &MockStore{
			records: []iface.DetectionRecord{{ID: "a", Mode: "fused", TotalDetections: 2, TotalPrice: 1.5}},
			stats:   iface.Statistics{TotalRuns: 1, TotalObjects: 2, AverageDetections: 2, TotalValue: 1.5, AverageValue: 1.5, FeedbackTypes: map[string]int{"accuracy": 1}},
		}
		_, r := newTestAPI(t, store)

		w, env := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=5", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var recs []iface.DetectionRecord
		require.NoError(t, json.Unmarshal(env.Data, &recs))
		require.Len(t, recs, 1)
		assert.Equal(t, 1.5, recs[0].TotalPrice)
		assert.Equal(t, 5, store.lastLimit)

		_, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
		assert.Equal(t, 50, store.lastLimit)

		for _, limit := range []string{"abc", "0", "-3", "501"} {
			w, env = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit="+limit, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, limit)
			assert.Contains(t, env.Error, "limit")
		}

		w, env = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var stats iface.Statistics
		require.NoError(t, json.Unmarshal(env.Data, &stats))
		assert.Equal(t, 2, stats.TotalObjects)
		assert.Equal(t, 2.0, stats.AverageDetections)
		assert.Equal(t, map[string]int{"accuracy": 1}, stats.FeedbackTypes)
		assert.Contains(t, string(env.Data), `"avg_detections"`)
	})

	t.Run("feedback", func(t *testing.T) {
		store := &MockStore{}
		_, r := newTestAPI(t, store)

		w, env := do(r, jsonRequest(http.MethodPost, "/api/v1/feedback", map[string]interface{}{
			"feedback_type": "accuracy",
			"content":       "missed a bottle",
			"rating":        3,
		}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, string(env.Data), "01J00000000000000000000000")
		require.Len(t, store.feedback, 1)
		assert.Equal(t, &iface.Rating{Overall: 3}, store.feedback[0].Rating)

		w, _ = do(r, jsonRequest(http.MethodPost, "/api/v1/feedback", map[string]interface{}{
			"feedback_type": "price",
			"user_rating":   map[string]interface{}{"accuracy": 4, "price_accuracy": 2, "overall": 3},
		}))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Len(t, store.feedback, 2)
		assert.Equal(t, &iface.Rating{Accuracy: 4, PriceAccuracy: 2, Overall: 3}, store.feedback[1].Rating)

		w, _ = do(r, jsonRequest(http.MethodPost, "/api/v1/feedback", map[string]interface{}{"feedback_type": "note"}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, store.feedback[2].Rating)

		w, _ = do(r, jsonRequest(http.MethodPost, "/api/v1/feedback", map[string]interface{}{"rating": 9}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(r, jsonRequest(http.MethodPost, "/api/v1/feedback", map[string]interface{}{
			"feedback_type": "price",
			"user_rating":   map[string]interface{}{"price_accuracy": 7},
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w, env = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/feedback?limit=2", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var list []iface.FeedbackRecord
		require.NoError(t, json.Unmarshal(env.Data, &list))
		assert.Len(t, list, 3)
		assert.Equal(t, 2, store.lastLimit)
	})

	t.Run("store error", func(t *testing.T) {
		_, r := newTestAPI(t, &MockStore{err: errors.New("connection reset")})
		w, _ := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/statistics", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	api := &API{catalog: pricing.NewCatalog(), limiter: newRateLimiter(rate.Limit(0.001), 2)}
	r := NewRouter(api)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// other clients have their own bucket
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Evict(t *testing.T) {
	l := newRateLimiter(rate.Limit(1), 1)
	l.GetLimiterFrom("10.0.0.1")
	l.GetLimiterFrom("10.0.0.2")
	require.Equal(t, 2, l.size())

	assert.Equal(t, 0, l.evict(time.Hour))
	assert.Equal(t, 2, l.size())

	time.Sleep(20 * time.Millisecond)
	l.GetLimiterFrom("10.0.0.2")
	assert.Equal(t, 1, l.evict(10*time.Millisecond))
	assert.Equal(t, 1, l.size())

	t.Run("ticker", func(t *testing.T) {
		l := newRateLimiter(rate.Limit(1), 1)
		l.GetLimiterFrom("10.0.0.3")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			l.RunEviction(ctx, 5*time.Millisecond, time.Millisecond, zap.NewNop())
			close(done)
		}()
		assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		<-done
	})

	t.Run("nil limiter", func(t *testing.T) {
		var nilLimiter *rateLimiter
		nilLimiter.RunEviction(context.Background(), time.Millisecond, time.Millisecond, zap.NewNop())
	})
}

func TestWebsocket(t *testing.T) {
	_, r := newTestAPI(t, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/detect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString(pngBytes(t)))))
	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.True(t, reply.Success)
	assert.Equal(t, 1, reply.Seq)
	require.NotNil(t, reply.Data)
	assert.Len(t, reply.Data.Detections, 1)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pngBytes(t)))
	reply = wsReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.True(t, reply.Success)
	assert.Equal(t, 2, reply.Seq)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("!!!not base64!!!")))
	reply = wsReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)
}

func TestWebsocketIdleTimeout(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	api.wsIdleTimeout = 50 * time.Millisecond
	srv := httptest.NewServer(NewRouter(api))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/detect", nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
}
