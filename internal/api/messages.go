package api

import (
	"net/http"

	"github.com/nidhogg/nuka-conductor/internal/bus"
)

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var msg bus.Message
	if !decode(w, r, &msg) {
		return
	}
	switch msg.Type {
	case bus.TypeRequest, bus.TypeResponse, bus.TypeNotification, bus.TypeError:
	default:
		writeError(w, http.StatusBadRequest, "unknown message type "+string(msg.Type))
		return
	}
	if msg.SenderID == "" {
		writeError(w, http.StatusBadRequest, "sender_id is required")
		return
	}
	writeJSON(w, http.StatusCreated, h.bus.SendMessage(r.Context(), msg))
}

func (h *Handler) messageHistory(w http.ResponseWriter, r *http.Request) {
	conv := r.URL.Query().Get("conversation")
	if conv == "" {
		conv = bus.DefaultConversation
	}
	writeJSON(w, http.StatusOK, h.bus.GetMessageHistory(conv, queryInt(r, "limit", 0)))
}

func (h *Handler) clearMessages(w http.ResponseWriter, r *http.Request) {
	conv := r.URL.Query().Get("conversation")
	if conv == "" {
		conv = bus.DefaultConversation
	}
	h.bus.ClearMessageHistory(conv)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) conversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.Conversations())
}
