package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_FetchNIP11(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"name":"test","limitation":{"max_subscriptions":3}}`))
	}))
	defer server.Close()

	c := NewCache(10, time.Minute)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	assert.Equal(t, 3, c.MaxSubscriptions(context.Background(), url))
}

func TestCache_FallbackOnError(t *testing.T) {
	c := NewCache(10, time.Minute,
		WithFallback(7),
		WithFetcher(func(ctx context.Context, url string) (int, bool, error) {
			return 0, false, errors.New("boom")
		}),
	)
	assert.Equal(t, 7, c.MaxSubscriptions(context.Background(), "wss://x"))
}

func TestCache_NoLimitDeclared(t *testing.T) {
	c := NewCache(10, time.Minute, WithFetcher(func(ctx context.Context, url string) (int, bool, error) {
		return 0, false, nil
	}))
	assert.Equal(t, Unbounded, c.MaxSubscriptions(context.Background(), "wss://x"))
}

func TestCache_DeduplicatesAndCaches(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := NewCache(10, time.Minute, WithFetcher(func(ctx context.Context, url string) (int, bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 5, true, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 5, c.MaxSubscriptions(context.Background(), "wss://x"))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 5, c.MaxSubscriptions(context.Background(), "wss://x"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_SetOverrides(t *testing.T) {
	c := NewCache(10, time.Minute, WithFetcher(func(ctx context.Context, url string) (int, bool, error) {
		t.Fatal("fetch should not run for pinned relays")
		return 0, false, nil
	}))
	c.Set("wss://x", 1)
	assert.Equal(t, 1, c.MaxSubscriptions(context.Background(), "wss://x"))
}

func TestStatic(t *testing.T) {
	assert.Equal(t, 2, Static(2).MaxSubscriptions(context.Background(), "wss://any"))
}
