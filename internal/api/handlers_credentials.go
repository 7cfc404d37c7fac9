package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type credentialRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListCredentialServices(r.Context(), userFrom(r))
	if err != nil {
		s.writeCoreError(w, err, "list credentials")
		return
	}
	if services == nil {
		services = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"services": services})
}

// handlePutCredential seals the secret before it reaches the store. Secrets
// are never returned by the API.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	if s.cipher == nil {
		writeError(w, http.StatusServiceUnavailable, "no_credential_key", "credential key is not configured")
		return
	}
	service := strings.TrimSpace(chi.URLParam(r, "service"))
	var req credentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if service == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "service and secret are required")
		return
	}
	blob, err := s.cipher.Encrypt([]byte(req.Secret))
	if err != nil {
		s.writeCoreError(w, err, "encrypt credential")
		return
	}
	if err := s.store.PutCredential(r.Context(), userFrom(r), service, blob); err != nil {
		s.writeCoreError(w, err, "store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCredential(r.Context(), userFrom(r), chi.URLParam(r, "service")); err != nil {
		s.writeCoreError(w, err, "delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
