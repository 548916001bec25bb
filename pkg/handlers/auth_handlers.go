package handlers

import (
	"net/http"

	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/pkg/api"
	"go.uber.org/zap"
)

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req api.SendOTPRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	challengeID, err := s.deps.Identity.SendCode(r.Context(), req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, api.SendOTPResponse{ChallengeID: challengeID})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyOTPRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.deps.Identity.Verify(r.Context(), req.Phone, req.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	token, err := s.deps.Tokens.GenerateSessionToken(res.UserID)
	if err != nil {
		if res.PrivateKey == nil {
			s.writeError(w, r, err)
			return
		}
		// the private key exists only in this response, so it is still
		// delivered; the client logs in again for a session
		s.logger.Error("session token failed for new account",
			zap.String("user_id", res.UserID.String()),
			zap.Error(err))
		token = ""
	}

	resp := api.VerifyOTPResponse{
		UserID:    res.UserID,
		PublicKey: crypto.EncodeKey(&res.PublicKey),
		Created:   res.Created,
		Token:     token,

		MessageScheme: string(s.scheme),
	}
	if res.PrivateKey != nil {
		priv := crypto.EncodeKey(res.PrivateKey)
		resp.PrivateKey = &priv
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, resp)
}
