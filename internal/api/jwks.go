package api

import (
	"net/http"

	"github.com/blockremote/backend/internal/security"
)

// handleJWKS publishes the verification key set so sibling services can
// validate our tokens without sharing key material.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTPublicKeyPEM == "" {
		writeDetail(w, http.StatusNotFound, "No published keys")
		return
	}
	doc, err := security.BuildJWKS(s.cfg.JWTPublicKeyPEM, s.cfg.JWTActiveKID, s.cfg.JWTAlgorithm)
	if err != nil {
		s.log.Printf("jwks build failed: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
