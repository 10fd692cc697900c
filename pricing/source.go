package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
)

// Source fetches an external price table keyed by category name.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (map[string]PriceUpdate, error)
}

// FileSource reads a JSON price file: {"aluminum_can": {"price_per_kg": 26, "date": "..."}}.
type FileSource struct {
	Path string
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Fetch(_ context.Context) (map[string]PriceUpdate, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	updates := map[string]PriceUpdate{}
	if err := json.Unmarshal(b, &updates); err != nil {
		return nil, fmt.Errorf("parse price file %s: %w", s.Path, err)
	}
	return updates, nil
}

// HTTPSource GETs the same JSON document from a price service.
type HTTPSource struct {
	URL    string
	client *resty.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		URL:    url,
		client: resty.New().SetTimeout(timeout),
	}
}

func (s *HTTPSource) Name() string { return "http:" + s.URL }

func (s *HTTPSource) Fetch(ctx context.Context) (map[string]PriceUpdate, error) {
	updates := map[string]PriceUpdate{}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&updates).
		Get(s.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("price service returned %s", resp.Status())
	}
	return updates, nil
}

// RedisSource reads a hash whose fields are category names and values PriceUpdate JSON.
type RedisSource struct {
	Key    string
	client redis.UniversalClient
}

func NewRedisSource(client redis.UniversalClient, key string) *RedisSource {
	return &RedisSource{Key: key, client: client}
}

func (s *RedisSource) Name() string { return "redis:" + s.Key }

func (s *RedisSource) Fetch(ctx context.Context) (map[string]PriceUpdate, error) {
	fields, err := s.client.HGetAll(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]PriceUpdate{}, nil
	}
	if err != nil {
		return nil, err
	}
	updates := make(map[string]PriceUpdate, len(fields))
	for name, raw := range fields {
		var u PriceUpdate
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("parse price for %s: %w", name, err)
		}
		updates[name] = u
	}
	return updates, nil
}
