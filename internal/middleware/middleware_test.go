package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/petbuddy/internal/auth"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAuthMiddleware(t *testing.T) {
	issuer := auth.NewIssuer("test-secret", "petbuddy", time.Hour)
	verifier := auth.NewVerifier("test-secret", "petbuddy")
	token, err := issuer.Issue(&models.User{ID: 123, Username: "asha", Role: models.RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	foreign, _ := auth.NewIssuer("other-secret", "petbuddy", time.Hour).Issue(&models.User{ID: 123})

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ParticipantFrom(r.Context())
		if !ok {
			t.Error("Expected participant in context")
		}
		if p.ID != "123" || p.Name != "asha" {
			t.Errorf("Expected participant 123/asha, got %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		header         string
		query          string
		expectedStatus int
	}{
		{
			name:           "Valid Header",
			header:         "Bearer " + token,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Valid Query Token",
			query:          "?token=" + token,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Invalid Signature",
			header:         "Bearer " + foreign,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage",
			header:         "Bearer not.a.jwt",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Token",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			AuthMiddleware(verifier)(nextHandler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		_, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/ws", nil)
	mockWriter := &MockHijacker{ResponseRecorder: *httptest.NewRecorder()}

	LoggingMiddleware(nextHandler).ServeHTTP(mockWriter, req)

	if !mockWriter.hijacked {
		t.Error("Expected the underlying writer to be hijacked")
	}
}

func TestHijackWithoutSupport(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Expected error when the underlying writer cannot hijack")
	}
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)
	r.HandleFunc("/api/trips/{bookingId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/trips/{bookingId}", "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"trip-7", "trip-8"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/trips/"+id, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("Expected 2 requests under the route template, got %v", got)
	}
}
