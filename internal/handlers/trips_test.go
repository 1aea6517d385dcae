package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/store"
	"github.com/pliu/petbuddy/internal/store/sqlstore"
)

func TestTrips(t *testing.T) {
	db, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	handler := &TripHandler{Store: db}
	vars := map[string]string{"bookingId": "trip-7"}

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Get).ServeHTTP(rr, mux.SetURLVars(httptest.NewRequest("GET", "/api/trips/trip-7", nil), vars))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown trip, got %v", rr.Code)
	}

	body, _ := json.Marshal(models.Trip{Destination: &models.Point{Lat: 28.6139, Lng: 77.2090}})
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.Put).ServeHTTP(rr, mux.SetURLVars(httptest.NewRequest("PUT", "/api/trips/trip-7", bytes.NewBuffer(body)), vars))
	if rr.Code != http.StatusOK {
		t.Fatalf("Put returned %v: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.Get).ServeHTTP(rr, mux.SetURLVars(httptest.NewRequest("GET", "/api/trips/trip-7", nil), vars))
	var trip models.Trip
	json.NewDecoder(rr.Body).Decode(&trip)
	if trip.BookingID != "trip-7" || trip.Destination == nil || trip.Destination.Lat != 28.6139 {
		t.Errorf("Unexpected trip %+v", trip)
	}

	bad := []byte(`{"destination":{"lat":95,"lng":0}}`)
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.Put).ServeHTTP(rr, mux.SetURLVars(httptest.NewRequest("PUT", "/api/trips/trip-7", bytes.NewBuffer(bad)), vars))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid coordinates, got %v", rr.Code)
	}
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	(&HealthHandler{}).Healthz(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200, got %v", rr.Code)
	}

	rr = httptest.NewRecorder()
	(&HealthHandler{DB: downDB{}}).Healthz(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %v", rr.Code)
	}
}

func TestOversizedBodiesAreRefused(t *testing.T) {
	chatHandler, _ := newChatHandler(t)
	tripHandler := &TripHandler{Store: chatHandler.Store}

	huge := `{"ticketId":"ticket-42","senderId":"7","senderName":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := asParticipant(httptest.NewRequest("POST", "/api/chat/send", strings.NewReader(huge)), "7")
	rr := httptest.NewRecorder()
	http.HandlerFunc(chatHandler.Send).ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("send: got %v want %v", rr.Code, http.StatusRequestEntityTooLarge)
	}

	huge = `{"pickup":{"lat":1,"lng":1},"note":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req = mux.SetURLVars(httptest.NewRequest("PUT", "/api/trips/trip-7", strings.NewReader(huge)), map[string]string{"bookingId": "trip-7"})
	rr = httptest.NewRecorder()
	http.HandlerFunc(tripHandler.Put).ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("put trip: got %v want %v", rr.Code, http.StatusRequestEntityTooLarge)
	}
}

// brokenStore fails every trip lookup.
type brokenStore struct{ store.Store }

func (brokenStore) GetTrip(context.Context, string) (*models.Trip, error) {
	return nil, errors.New("disk on fire")
}

func TestHandlerErrorsGoToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := &TripHandler{Store: brokenStore{}, Logger: logging.NewLogger(logging.Config{Output: &buf})}

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Get).ServeHTTP(rr, mux.SetURLVars(httptest.NewRequest("GET", "/api/trips/trip-7", nil), map[string]string{"bookingId": "trip-7"}))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got %v want %v", rr.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(buf.String(), "disk on fire") || !strings.Contains(buf.String(), `"booking":"trip-7"`) {
		t.Errorf("expected the failure in the injected log, got %q", buf.String())
	}
}
