package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/pkg/api"
)

// handleSendMessage stores ciphertext from the authenticated sender
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req api.SendMessageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.deps.Relay.Store(r.Context(), &models.Message{
		SenderID:   userIDFrom(r.Context()),
		ReceiverID: uuid.MustParse(req.ReceiverID),
		Scheme:     crypto.Scheme(req.Scheme),
		Ciphertext: req.Ciphertext,
		Nonce:      req.Nonce,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, api.SendMessageResponse{ID: msg.ID})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Relay.List(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*models.StoredMessage{}
	}
	s.writeJSON(w, http.StatusOK, api.ListMessagesResponse{Messages: msgs})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streamer == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	s.deps.Streamer.ServeUser(w, r, userIDFrom(r.Context()))
}
