package main

import (
	"RecycleDetServer/monitor"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	if v := c.GetString(requestIDKey); v != "" {
		return v
	}
	return uuid.New().String()
}

func accessLog(log *zap.Logger, m *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.IncRequest("http")
		log.Debug("http request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	bucket    map[string]*visitor
	rate      rate.Limit
	burstSize int
	mutex     sync.Mutex
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	return &rateLimiter{
		bucket:    make(map[string]*visitor),
		rate:      reqRate,
		burstSize: burstSize,
	}
}

func (r *rateLimiter) GetLimiterFrom(ip string) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	v, exist := r.bucket[ip]
	if !exist {
		v = &visitor{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// evict drops clients not seen for idle and returns how many were removed.
func (r *rateLimiter) evict(idle time.Duration) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	removed := 0
	for ip, v := range r.bucket {
		if time.Since(v.lastSeen) > idle {
			delete(r.bucket, ip)
			removed++
		}
	}
	return removed
}

func (r *rateLimiter) size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.bucket)
}

// RunEviction removes idle clients every interval until ctx ends, so the bucket only holds
// clients seen within the last idle period.
func (r *rateLimiter) RunEviction(ctx context.Context, interval, idle time.Duration, log *zap.Logger) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evict(idle); n > 0 {
				log.Debug("rate limiter evicted idle clients", zap.Int("evicted", n))
			}
		}
	}
}

// Middleware rejects clients that exceed their per-IP budget. A nil limiter lets everything through.
func (r *rateLimiter) Middleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r == nil {
			c.Next()
			return
		}
		clientIP := c.ClientIP()
		if !r.GetLimiterFrom(clientIP).Allow() {
			log.Warn("too many requests", zap.String("client_ip", clientIP))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many requests"})
			return
		}
		c.Next()
	}
}
