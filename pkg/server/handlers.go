package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cosmossdk.io/math"
	"github.com/go-chi/chi/v5"

	"github.com/tributelabs/tributary/pkg/vault"
)

type errorResponse struct {
	Error string `json:"error"`
}

// ContributionRequest is the body for POST /v1/contributions.
type ContributionRequest struct {
	Benefactor string   `json:"benefactor"`
	Amount     math.Int `json:"amount"`
}

// YieldRequest is the body for POST /v1/yield.
type YieldRequest struct {
	Amount math.Int `json:"amount"`
}

// ConvertRequest is the optional body for POST /v1/convert.
type ConvertRequest struct {
	MinimumOutput *math.Int `json:"minimum_output,omitempty"`
	Caller        string    `json:"caller,omitempty"`
}

// ConvertResponse reports the conversion outcome.
type ConvertResponse struct {
	NoOp            bool         `json:"no_op"`
	Round           *vault.Round `json:"round,omitempty"`
	DeferredApplied math.Int     `json:"deferred_applied"`
}

// ClaimResponse reports the paid-out amount.
type ClaimResponse struct {
	Benefactor string   `json:"benefactor"`
	Owed       math.Int `json:"owed"`
}

// RegisterSourceRequest is the body for POST /v1/admin/sources.
type RegisterSourceRequest struct {
	Name string `json:"name"`
}

// RegisterSourceResponse carries the freshly minted source token. It is
// returned exactly once; only the hash is stored.
type RegisterSourceResponse struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (s *Server) handleRecordContribution(w http.ResponseWriter, r *http.Request) {
	var req ContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Amount.IsNil() {
		s.writeBadRequest(w, "amount is required")
		return
	}
	b, err := s.cfg.Service.RecordContribution(r.Context(), bearerToken(r), req.Benefactor, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDepositYield(w http.ResponseWriter, r *http.Request) {
	var req YieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Amount.IsNil() {
		s.writeBadRequest(w, "amount is required")
		return
	}
	deferred, err := s.cfg.Service.DepositYield(r.Context(), bearerToken(r), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deferred": deferred})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	res, err := s.cfg.Service.Convert(r.Context(), vault.ConvertParams{
		MinimumOutput: req.MinimumOutput,
		Caller:        req.Caller,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ConvertResponse{
		NoOp:            res.NoOp,
		Round:           res.Round,
		DeferredApplied: res.DeferredApplied,
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	owed, err := s.cfg.Service.Claim(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ClaimResponse{Benefactor: key, Owed: owed})
}

func (s *Server) handleGetBenefactor(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Service.GetBenefactor(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.cfg.Service.GetVault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	events, err := s.cfg.Service.ListEvents(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rounds, err := s.cfg.Service.ListRounds(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg vault.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if err := s.cfg.Service.UpdateConfig(r.Context(), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var req RegisterSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	token, err := s.cfg.Service.RegisterSource(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RegisterSourceResponse{Name: req.Name, Token: token})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Service.GetVault(r.Context()); err != nil {
		s.log.Debug("readyz: store not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("store not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

// adminAuth guards the admin routes with the configured bearer token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidAmount), errors.Is(err, vault.ErrInvalidBenefactorKey):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, vault.ErrUnauthorized):
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, vault.ErrUnknownBenefactor):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, vault.ErrSlippageExceeded):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.log.Error("server: internal error", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
