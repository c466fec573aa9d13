package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPushDeliversPayload(t *testing.T) {
	var got pushPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := New(func() (bool, string, string) { return true, srv.URL, "EchoDesk" })
	if err := svc.Push("test", "hello"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !strings.HasPrefix(got.Title, "[EchoDesk]") {
		t.Errorf("Title = %q, want site prefix", got.Title)
	}
	if got.Body != "hello" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestPushDisabled(t *testing.T) {
	svc := New(func() (bool, string, string) { return false, "http://example.com", "x" })
	if err := svc.Push("t", "b"); err == nil {
		t.Fatal("Push succeeded with alerts disabled, want error")
	}
}

func TestThrottlePushCoalesces(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	svc := New(func() (bool, string, string) { return true, srv.URL, "x" })
	svc.ThrottlePush("1.2.3.4", "/v1/health")
	svc.ThrottlePush("1.2.3.4", "/v1/health")
	svc.ThrottlePush("5.6.7.8", "/v1/health") // different ip, own bucket

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("webhook calls = %d, want 2 (throttled duplicate)", got)
	}
}
