package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newRedisForTest(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestIdempotenceBlocksDuplicatePost(t *testing.T) {
	rdb := newRedisForTest(t)
	r := newEngine()
	r.Use(Idempotence(rdb))
	r.POST("/v1/collections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/collections", strings.NewReader(`{"display_name":"a"}`))
		req.Header.Set("x-idempotence", "fixed-key")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	if code := do(); code != http.StatusConflict {
		t.Fatalf("duplicate request status = %d, want 409", code)
	}
}

func TestIdempotenceFreesKeyOnFailure(t *testing.T) {
	rdb := newRedisForTest(t)
	r := newEngine()
	r.Use(Idempotence(rdb))
	fail := true
	r.POST("/v1/collections", func(c *gin.Context) {
		if fail {
			c.JSON(http.StatusUnprocessableEntity, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/collections", strings.NewReader(`{}`))
		req.Header.Set("x-idempotence", "retry-key")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusUnprocessableEntity {
		t.Fatalf("failed request status = %d", code)
	}
	fail = false
	if code := do(); code != http.StatusOK {
		t.Fatalf("retry after failure status = %d, want 200 (key released)", code)
	}
}

func TestIdempotenceSkipsPlatformCallbacks(t *testing.T) {
	rdb := newRedisForTest(t)
	r := newEngine()
	r.Use(Idempotence(rdb))
	r.POST("/v1/platforms/callback/:apiKey", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/platforms/callback/abc", strings.NewReader("same body"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("callback delivery %d status = %d, want 200", i+1, w.Code)
		}
	}
}

func TestRateLimitEventuallyBlocks(t *testing.T) {
	rdb := newRedisForTest(t)
	r := newEngine()
	r.Use(RateLimit(rdb, nil))
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	// 2*max+2 requests span at most two one-second windows, so at least
	// one window must exceed the limit.
	blocked := false
	for i := 0; i < 2*rateLimitMax+2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			blocked = true
			if got := w.Header().Get("Retry-After"); got != "1" {
				t.Errorf("Retry-After = %q, want 1", got)
			}
			break
		}
	}
	if !blocked {
		t.Fatal("no request was rate limited")
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"abc", "abc"},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"  Bearer   abc  ", "abc"},
	}
	for _, tc := range cases {
		if got := NormalizeToken(tc.in); got != tc.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
