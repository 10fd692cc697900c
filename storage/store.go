package storage

import (
	iface "RecycleDetServer/interface"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SQLExecutor is the subset of sqlx used by the store, satisfied by *sqlx.DB and *sqlx.Tx.
type SQLExecutor interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// Store persists detection history and user feedback in PostgreSQL or MySQL.
type Store struct {
	db  *sqlx.DB
	q   SQLExecutor
	log *zap.Logger
}

// Open connects with the given driver ("postgres" or "mysql").
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, log), nil
}

func New(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, q: db, log: log}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

type detectionRow struct {
	ID               string         `db:"id"`
	RequestID        sql.NullString `db:"request_id"`
	CreatedAt        time.Time      `db:"created_at"`
	Mode             string         `db:"detection_mode"`
	TotalDetections  int            `db:"total_detections"`
	DetectionResults sql.NullString `db:"detection_results"`
	TotalPrice       float64        `db:"total_price"`
}

// SaveDetectionRecord stores one pipeline run. Missing ID and timestamp are filled in.
func (s *Store) SaveDetectionRecord(ctx context.Context, rec iface.DetectionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = newID(rec.CreatedAt)
	}
	results, err := json.Marshal(rec.Detections)
	if err != nil {
		return err
	}
	argsKV := map[string]interface{}{
		"id":                rec.ID,
		"request_id":        rec.RequestID,
		"created_at":        rec.CreatedAt,
		"detection_mode":    rec.Mode,
		"total_detections":  rec.TotalDetections,
		"detection_results": string(results),
		"total_price":       rec.TotalPrice,
	}
	query, args, err := sqlx.Named(queryInsertDetection, argsKV)
	if err != nil {
		s.log.Error("build insert detection query", zap.Error(err))
		return err
	}
	query = s.q.Rebind(query)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		s.log.Error("insert detection record", zap.String("request_id", rec.RequestID), zap.Error(err))
		return err
	}
	return nil
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func listLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return DefaultListLimit
	}
	return limit
}

// ListDetectionRecords returns the newest records first.
func (s *Store) ListDetectionRecords(ctx context.Context, limit int) ([]iface.DetectionRecord, error) {
	limit = listLimit(limit)
	query, args, err := sqlx.Named(queryListDetections, map[string]interface{}{"limit": limit})
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)
	var rows []detectionRow
	if err := s.q.SelectContext(ctx, &rows, query, args...); err != nil {
		s.log.Error("list detection records", zap.Error(err))
		return nil, err
	}
	out := make([]iface.DetectionRecord, 0, len(rows))
	for _, r := range rows {
		rec := iface.DetectionRecord{
			ID:              r.ID,
			RequestID:       r.RequestID.String,
			CreatedAt:       r.CreatedAt,
			Mode:            r.Mode,
			TotalDetections: r.TotalDetections,
			TotalPrice:      r.TotalPrice,
		}
		if r.DetectionResults.Valid && r.DetectionResults.String != "" {
			if err := json.Unmarshal([]byte(r.DetectionResults.String), &rec.Detections); err != nil {
				s.log.Warn("corrupt detection_results", zap.String("id", r.ID), zap.Error(err))
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveFeedback stores user feedback and returns its id.
func (s *Store) SaveFeedback(ctx context.Context, fb iface.FeedbackRecord) (string, error) {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	if fb.ID == "" {
		fb.ID = newID(fb.CreatedAt)
	}
	var results sql.NullString
	if len(fb.Detections) > 0 {
		b, err := json.Marshal(fb.Detections)
		if err != nil {
			return "", err
		}
		results = sql.NullString{String: string(b), Valid: true}
	}
	// rating holds the overall score so averages stay plain SQL on both drivers
	var rating sql.NullInt64
	var userRating sql.NullString
	if fb.Rating != nil && !fb.Rating.IsZero() {
		b, err := json.Marshal(fb.Rating)
		if err != nil {
			return "", err
		}
		userRating = sql.NullString{String: string(b), Valid: true}
		if fb.Rating.Overall > 0 {
			rating = sql.NullInt64{Int64: int64(fb.Rating.Overall), Valid: true}
		}
	}
	argsKV := map[string]interface{}{
		"id":                fb.ID,
		"created_at":        fb.CreatedAt,
		"feedback_type":     fb.Type,
		"content":           fb.Content,
		"rating":            rating,
		"user_rating":       userRating,
		"detection_results": results,
	}
	query, args, err := sqlx.Named(queryInsertFeedback, argsKV)
	if err != nil {
		return "", err
	}
	query = s.q.Rebind(query)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		s.log.Error("insert feedback", zap.Error(err))
		return "", err
	}
	return fb.ID, nil
}

type feedbackRow struct {
	ID               string         `db:"id"`
	CreatedAt        time.Time      `db:"created_at"`
	Type             string         `db:"feedback_type"`
	Content          sql.NullString `db:"content"`
	UserRating       sql.NullString `db:"user_rating"`
	DetectionResults sql.NullString `db:"detection_results"`
}

// ListFeedback returns the newest feedback first.
func (s *Store) ListFeedback(ctx context.Context, limit int) ([]iface.FeedbackRecord, error) {
	query, args, err := sqlx.Named(queryListFeedback, map[string]interface{}{"limit": listLimit(limit)})
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)
	var rows []feedbackRow
	if err := s.q.SelectContext(ctx, &rows, query, args...); err != nil {
		s.log.Error("list feedback", zap.Error(err))
		return nil, err
	}
	out := make([]iface.FeedbackRecord, 0, len(rows))
	for _, r := range rows {
		fb := iface.FeedbackRecord{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			Type:      r.Type,
			Content:   r.Content.String,
		}
		if r.UserRating.Valid && r.UserRating.String != "" {
			var rating iface.Rating
			if err := json.Unmarshal([]byte(r.UserRating.String), &rating); err != nil {
				s.log.Warn("corrupt user_rating", zap.String("id", r.ID), zap.Error(err))
			} else {
				fb.Rating = &rating
			}
		}
		if r.DetectionResults.Valid && r.DetectionResults.String != "" {
			if err := json.Unmarshal([]byte(r.DetectionResults.String), &fb.Detections); err != nil {
				s.log.Warn("corrupt detection_results", zap.String("id", r.ID), zap.Error(err))
			}
		}
		out = append(out, fb)
	}
	return out, nil
}

// Statistics aggregates history and feedback.
func (s *Store) Statistics(ctx context.Context) (iface.Statistics, error) {
	var det struct {
		TotalRuns    int     `db:"total_runs"`
		TotalObjects int     `db:"total_objects"`
		TotalValue   float64 `db:"total_value"`
	}
	if err := s.q.GetContext(ctx, &det, queryDetectionStats); err != nil {
		return iface.Statistics{}, err
	}
	var fb struct {
		FeedbackCount int     `db:"feedback_count"`
		AverageRating float64 `db:"average_rating"`
	}
	if err := s.q.GetContext(ctx, &fb, queryFeedbackStats); err != nil {
		return iface.Statistics{}, err
	}
	var types []struct {
		Type  string `db:"feedback_type"`
		Total int    `db:"total"`
	}
	if err := s.q.SelectContext(ctx, &types, queryFeedbackTypes); err != nil {
		return iface.Statistics{}, err
	}
	stats := iface.Statistics{
		TotalRuns:     det.TotalRuns,
		TotalObjects:  det.TotalObjects,
		TotalValue:    iface.RoundTo(det.TotalValue, 2),
		FeedbackCount: fb.FeedbackCount,
		AverageRating: iface.RoundTo(fb.AverageRating, 2),
		FeedbackTypes: make(map[string]int, len(types)),
	}
	if det.TotalRuns > 0 {
		stats.AverageDetections = iface.RoundTo(float64(det.TotalObjects)/float64(det.TotalRuns), 2)
		stats.AverageValue = iface.RoundTo(det.TotalValue/float64(det.TotalRuns), 2)
	}
	for _, t := range types {
		stats.FeedbackTypes[t.Type] = t.Total
	}
	return stats, nil
}
