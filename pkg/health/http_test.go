package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func probeServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPChecker_Healthy(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	result := NewHTTPChecker(server.URL).Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy, got: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("expected a positive probe duration")
	}
}

func TestHTTPChecker_ServerError(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	result := NewHTTPChecker(server.URL).Check(context.Background())
	if result.Healthy {
		t.Error("a 500 response should be unhealthy")
	}
}

func TestHTTPChecker_StatusRange(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	result := NewHTTPChecker(server.URL).WithStatusRange(200, 299).Check(context.Background())
	if !result.Healthy {
		t.Errorf("201 is inside the accepted range: %s", result.Message)
	}
}

func TestHTTPChecker_Headers(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe-Token") != "token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	result := NewHTTPChecker(server.URL).WithHeader("X-Probe-Token", "token").Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy with the probe header set: %s", result.Message)
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	if result.Healthy {
		t.Error("a probe slower than its timeout should fail")
	}
}

func TestHTTPChecker_CancelledContext(t *testing.T) {
	server := probeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	if result.Healthy {
		t.Error("a cancelled context should fail the probe")
	}
}

func TestHTTPChecker_Type(t *testing.T) {
	if got := NewHTTPChecker("http://localhost/health").Type(); got != CheckTypeHTTP {
		t.Errorf("expected %s, got %s", CheckTypeHTTP, got)
	}
}
