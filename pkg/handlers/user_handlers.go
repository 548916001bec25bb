package handlers

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/pkg/api"
)

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid user id", common.ErrInvalidInput))
		return
	}

	pub, err := s.deps.Identity.PublicKey(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.PublicKeyResponse{UserID: userID, PublicKey: crypto.EncodeKey(pub)})
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	var req api.DisplayNameRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := userIDFrom(r.Context())
	if err := s.deps.Identity.SetDisplayName(r.Context(), userID, req.DisplayName); err != nil {
		s.writeError(w, r, err)
		return
	}

	name, err := s.deps.Identity.DisplayName(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DisplayNameResponse{DisplayName: name})
}

func (s *Server) handleGetDisplayName(w http.ResponseWriter, r *http.Request) {
	name, err := s.deps.Identity.DisplayName(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DisplayNameResponse{DisplayName: name})
}

// handleLookup resolves phone numbers to registered users
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "lookup unavailable"})
		return
	}

	var req api.LookupRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	matches, err := s.deps.Discovery.Lookup(r.Context(), userIDFrom(r.Context()), req.Phones)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []discovery.Match{}
	}
	s.writeJSON(w, http.StatusOK, api.LookupResponse{Matches: matches})
}
