package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPCheckerHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestHTTPCheckerUnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy due to timeout, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)

	if result.Healthy {
		t.Errorf("expected unhealthy due to cancelled context, got healthy: %s", result.Message)
	}
}

func TestStatusFlapDamping(t *testing.T) {
	cfg := Config{Retries: 3}
	status := NewStatus()

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	status.Update(fail, cfg)
	status.Update(fail, cfg)
	if !status.Healthy {
		t.Error("two failures should not flip health with retries=3")
	}

	status.Update(fail, cfg)
	if status.Healthy {
		t.Error("third consecutive failure should mark unhealthy")
	}

	status.Update(ok, cfg)
	if !status.Healthy {
		t.Error("a single success should restore health")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected failure streak reset, got %d", status.ConsecutiveFailures)
	}
}
