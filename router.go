package main

import (
	"RecycleDetServer/imageproc"
	iface "RecycleDetServer/interface"
	"RecycleDetServer/monitor"
	"RecycleDetServer/pipeline"
	"RecycleDetServer/pricing"
	"RecycleDetServer/storage"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxUploadBytes = 20 * 1024 * 1024

var (
	errStorageDisabled = errors.New("storage is not configured")
	errImageTooLarge   = errors.New("image too large")
	errInvalidLimit    = fmt.Errorf("limit must be an integer between 1 and %d", storage.MaxListLimit)
)

// HistoryStore is the read side of persistence used by the HTTP API.
type HistoryStore interface {
	ListDetectionRecords(ctx context.Context, limit int) ([]iface.DetectionRecord, error)
	ListFeedback(ctx context.Context, limit int) ([]iface.FeedbackRecord, error)
	SaveFeedback(ctx context.Context, fb iface.FeedbackRecord) (string, error)
	Statistics(ctx context.Context) (iface.Statistics, error)
}

type API struct {
	pool          *pipeline.Pool
	catalog       *pricing.Catalog
	store         HistoryStore
	metrics       *monitor.Metrics
	limiter       *rateLimiter
	log           *zap.Logger
	wsIdleTimeout time.Duration
	maxUpload     int64
}

func NewRouter(api *API) *gin.Engine {
	if api.log == nil {
		api.log = zap.NewNop()
	}
	if api.wsIdleTimeout <= 0 {
		api.wsIdleTimeout = defaultWSIdleTimeout
	}
	if api.maxUpload <= 0 {
		api.maxUpload = maxUploadBytes
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(api.log, api.metrics))
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	v1 := r.Group("/api/v1", api.limiter.Middleware(api.log))
	v1.POST("/detect", api.detect)
	v1.GET("/categories", api.categories)
	v1.POST("/prices", api.updatePrices)
	v1.GET("/history", api.history)
	v1.GET("/statistics", api.statistics)
	v1.GET("/feedback", api.listFeedback)
	v1.POST("/feedback", api.feedback)

	r.GET("/ws/detect", api.limiter.Middleware(api.log), api.stream)
	return r
}

type detectBody struct {
	ImageBase64   string   `json:"image_base64"`
	Mode          string   `json:"mode"`
	MinConfidence *float64 `json:"min_confidence" binding:"omitempty,gte=0,lte=1"`
}

func (a *API) detect(c *gin.Context) {
	req := pipeline.Request{RequestID: requestIDFrom(c)}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("image")
		if err != nil {
			a.fail(c, pipeline.ErrNoImage)
			return
		}
		if file.Size > a.maxUpload {
			a.fail(c, errImageTooLarge)
			return
		}
		f, err := file.Open()
		if err != nil {
			a.fail(c, pipeline.ErrInvalidImage)
			return
		}
		defer f.Close()
		req.Image, err = io.ReadAll(f)
		if err != nil {
			a.fail(c, pipeline.ErrInvalidImage)
			return
		}
		req.Mode = pipeline.Mode(c.PostForm("mode"))
		if s := c.PostForm("min_confidence"); s != "" {
			conf, err := strconv.ParseFloat(s, 64)
			if err != nil || conf < 0 || conf > 1 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "min_confidence must be between 0.0 and 1.0"})
				return
			}
			req.MinConfidence = &conf
		}
	} else {
		// base64 inflates the payload by 4/3
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload/3*4+4096)
		var body detectBody
		if err := c.ShouldBindJSON(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				a.fail(c, errImageTooLarge)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		data, err := imageproc.DecodeBase64(body.ImageBase64)
		if err != nil {
			if errors.Is(err, imageproc.ErrEmptyImage) {
				a.fail(c, pipeline.ErrNoImage)
			} else {
				a.fail(c, pipeline.ErrInvalidImage)
			}
			return
		}
		req.Image = data
		req.Mode = pipeline.Mode(body.Mode)
		req.MinConfidence = body.MinConfidence
	}

	res, err := a.pool.Submit(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
}

type categoryView struct {
	iface.CanonicalCategory
	Density string `json:"density"`
}

func (a *API) categories(c *gin.Context) {
	if c.Query("format") == "text" {
		c.String(http.StatusOK, a.catalog.Report())
		return
	}
	snapshot := a.catalog.Snapshot()
	out := make([]categoryView, 0, len(snapshot))
	for _, cat := range snapshot {
		out = append(out, categoryView{CanonicalCategory: cat, Density: cat.Density.String()})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (a *API) updatePrices(c *gin.Context) {
	var updates map[string]pricing.PriceUpdate
	if err := c.ShouldBindJSON(&updates); err != nil || len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "expected a non-empty price table"})
		return
	}
	for k, u := range updates {
		if u.Source == "" {
			u.Source = "api"
			updates[k] = u
		}
	}
	n := a.catalog.Merge(updates)
	a.log.Info("prices updated over HTTP", zap.Int("applied", n), zap.Int("received", len(updates)))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"updated": n}})
}

func (a *API) history(c *gin.Context) {
	if a.store == nil {
		a.fail(c, errStorageDisabled)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		a.fail(c, err)
		return
	}
	recs, err := a.store.ListDetectionRecords(c.Request.Context(), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": recs})
}

func (a *API) statistics(c *gin.Context) {
	if a.store == nil {
		a.fail(c, errStorageDisabled)
		return
	}
	stats, err := a.store.Statistics(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func queryLimit(c *gin.Context) (int, error) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(storage.DefaultListLimit)))
	if err != nil || limit < 1 || limit > storage.MaxListLimit {
		return 0, errInvalidLimit
	}
	return limit, nil
}

func (a *API) listFeedback(c *gin.Context) {
	if a.store == nil {
		a.fail(c, errStorageDisabled)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		a.fail(c, err)
		return
	}
	list, err := a.store.ListFeedback(c.Request.Context(), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": list})
}

type ratingBody struct {
	Accuracy      int `json:"accuracy" binding:"omitempty,min=1,max=5"`
	PriceAccuracy int `json:"price_accuracy" binding:"omitempty,min=1,max=5"`
	Overall       int `json:"overall" binding:"omitempty,min=1,max=5"`
}

type feedbackBody struct {
	Type       string                    `json:"feedback_type" binding:"required,max=32"`
	Content    string                    `json:"content"`
	Rating     int                       `json:"rating" binding:"omitempty,min=1,max=5"`
	UserRating *ratingBody               `json:"user_rating"`
	Detections []iface.EnrichedDetection `json:"detection_results"`
}

// rating merges the three-part user_rating with the plain rating, which stands for overall.
func (b feedbackBody) rating() *iface.Rating {
	var r iface.Rating
	if b.UserRating != nil {
		r = iface.Rating(*b.UserRating)
	}
	if r.Overall == 0 {
		r.Overall = b.Rating
	}
	if r.IsZero() {
		return nil
	}
	return &r
}

func (a *API) feedback(c *gin.Context) {
	if a.store == nil {
		a.fail(c, errStorageDisabled)
		return
	}
	var body feedbackBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	id, err := a.store.SaveFeedback(c.Request.Context(), iface.FeedbackRecord{
		Type:       body.Type,
		Content:    body.Content,
		Rating:     body.rating(),
		Detections: body.Detections,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"id": id}})
}

func statusFor(err error) int {
	switch {
	case pipeline.IsRequestError(err), errors.Is(err, errInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, errImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrPoolClosed), errors.Is(err, errStorageDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}
