package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const priceJSON = `{
	"aluminum_can": {"price_per_kg": 28.5, "source": "recycler-a", "date": "2025-03-01"},
	"glass_bottle": {"price_per_kg": 1.5}
}`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recycling_prices.json")
	require.NoError(t, os.WriteFile(path, []byte(priceJSON), 0o644))

	src := &FileSource{Path: path}
	updates, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, updates, 2)
	assert.Equal(t, 28.5, updates["aluminum_can"].PricePerKg)
	assert.Equal(t, "2025-03-01", updates["aluminum_can"].Date)

	t.Run("missing file", func(t *testing.T) {
		_, err := (&FileSource{Path: filepath.Join(t.TempDir(), "none.json")}).Fetch(context.Background())
		assert.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
		_, err := (&FileSource{Path: bad}).Fetch(context.Background())
		assert.Error(t, err)
	})
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(priceJSON))
	}))
	defer srv.Close()

	updates, err := NewHTTPSource(srv.URL+"/prices", time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, updates["glass_bottle"].PricePerKg)

	_, err = NewHTTPSource(srv.URL+"/missing", time.Second).Fetch(context.Background())
	assert.Error(t, err)
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mr.HSet("recycle:prices",
		"aluminum_can", `{"price_per_kg": 27, "source": "redis"}`,
		"iron_can", `{"price_per_kg": 4.2}`,
	)

	updates, err := NewRedisSource(client, "recycle:prices").Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, updates, 2)
	assert.Equal(t, 27.0, updates["aluminum_can"].PricePerKg)

	t.Run("empty hash", func(t *testing.T) {
		updates, err := NewRedisSource(client, "recycle:none").Fetch(context.Background())
		require.NoError(t, err)
		assert.Empty(t, updates)
	})

	t.Run("bad json", func(t *testing.T) {
		mr.HSet("recycle:bad", "paper", "nope")
		_, err := NewRedisSource(client, "recycle:bad").Fetch(context.Background())
		assert.Error(t, err)
	})
}

type stubSource struct {
	mu      sync.Mutex
	calls   int
	updates map[string]PriceUpdate
	err     error
	panics  bool
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Fetch(context.Context) (map[string]PriceUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.updates, s.err
}

func TestRefresher(t *testing.T) {
	t.Run("merges updates", func(t *testing.T) {
		c := NewCatalog()
		src := &stubSource{updates: map[string]PriceUpdate{"paper": {PricePerKg: 4}}}
		applied, err := NewRefresher(src, c, 0, nil).RefreshOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, applied)
		e, _ := c.Lookup("paper")
		assert.Equal(t, 4.0, e.PricePerKg)
	})

	t.Run("failure keeps table", func(t *testing.T) {
		c := NewCatalog()
		src := &stubSource{err: errors.New("down")}
		_, err := NewRefresher(src, c, 0, nil).RefreshOnce(context.Background())
		assert.Error(t, err)
		e, _ := c.Lookup("paper")
		assert.Equal(t, 2.8, e.PricePerKg)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		src := &stubSource{panics: true}
		_, err := NewRefresher(src, NewCatalog(), 0, nil).RefreshOnce(context.Background())
		assert.Error(t, err)
	})

	t.Run("run stops with context", func(t *testing.T) {
		src := &stubSource{updates: map[string]PriceUpdate{}}
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go NewRefresher(src, NewCatalog(), 10*time.Millisecond, nil).Run(ctx, &wg)
		assert.Eventually(t, func() bool {
			src.mu.Lock()
			defer src.mu.Unlock()
			return src.calls >= 2
		}, time.Second, 5*time.Millisecond)
		cancel()
		wg.Wait()
	})
}
