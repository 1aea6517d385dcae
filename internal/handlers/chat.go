package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/middleware"
	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/store"
)

// ChatHandler stores and serves encrypted envelopes. It never sees
// plaintext.
type ChatHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["ticketId"]
	if ticketID == "" {
		http.Error(w, "ticketId is required", http.StatusBadRequest)
		return
	}

	messages, err := h.Store.FetchEnvelopes(r.Context(), ticketID)
	if err != nil {
		logging.OrDefault(h.Logger).Error("chat: fetch history", "ticket", ticketID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	metrics.HistoryFetchedTotal.Inc()

	writeJSON(w, http.StatusOK, models.HistoryResponse{Messages: messages, Count: len(messages)})
}

func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.ParticipantFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TicketID == "" || req.SenderID == "" ||
		len(req.EncryptedMessage.IV) == 0 || len(req.EncryptedMessage.Ciphertext) == 0 {
		http.Error(w, "ticketId, senderId and encryptedMessage are required", http.StatusBadRequest)
		return
	}
	if req.SenderID != caller.ID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	stored, err := h.Store.AppendEnvelope(r.Context(), models.StoredEnvelope{
		TicketID:         req.TicketID,
		SenderID:         req.SenderID,
		SenderName:       req.SenderName,
		EncryptedMessage: req.EncryptedMessage,
	})
	if err != nil {
		logging.OrDefault(h.Logger).Error("chat: store envelope", "ticket", req.TicketID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	metrics.EnvelopesStoredTotal.Inc()
	metrics.EnvelopeCiphertextBytes.Observe(float64(len(req.EncryptedMessage.Ciphertext)))

	writeJSON(w, http.StatusCreated, stored)
}
