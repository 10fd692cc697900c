package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher periodically merges a Source into a Catalog.
type Refresher struct {
	source   Source
	catalog  *Catalog
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

func NewRefresher(source Source, catalog *Catalog, interval time.Duration, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		source:   source,
		catalog:  catalog,
		interval: interval,
		timeout:  10 * time.Second,
		log:      log,
	}
}

// RefreshOnce fetches and merges once. A failed fetch leaves the catalog untouched.
func (r *Refresher) RefreshOnce(ctx context.Context) (applied int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("price refresh panic: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	updates, err := r.source.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	applied = r.catalog.Merge(updates)
	return applied, nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	refresh := func() {
		applied, err := r.RefreshOnce(ctx)
		if err != nil {
			r.log.Error("price refresh failed", zap.String("source", r.source.Name()), zap.Error(err))
			return
		}
		r.log.Info("price table refreshed", zap.String("source", r.source.Name()), zap.Int("applied", applied))
	}
	refresh()
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("price refresher stopped", zap.String("source", r.source.Name()))
			return
		case <-ticker.C:
			refresh()
		}
	}
}
