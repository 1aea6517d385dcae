package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/store"
)

type TripHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["bookingId"]

	trip, err := h.Store.GetTrip(r.Context(), bookingID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trip not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.OrDefault(h.Logger).Error("trips: get", "booking", bookingID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, trip)
}

// Put sets the pickup and destination points drawn on the live map.
func (h *TripHandler) Put(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["bookingId"]

	var trip models.Trip
	if !decodeJSON(w, r, &trip) {
		return
	}
	for _, p := range []*models.Point{trip.Pickup, trip.Destination} {
		if p != nil && !p.Valid() {
			http.Error(w, "invalid coordinates", http.StatusBadRequest)
			return
		}
	}
	trip.BookingID = bookingID

	if err := h.Store.PutTrip(r.Context(), &trip); err != nil {
		logging.OrDefault(h.Logger).Error("trips: put", "booking", bookingID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, trip)
}
