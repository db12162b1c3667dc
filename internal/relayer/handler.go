package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/middleware"
)

// Handler exposes the signing service over HTTP. The per-IP rate limit and
// API-key auth are applied by the router, not here.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sign/accept", h.signAccept).Methods(http.MethodPost)
	r.HandleFunc("/sign/reject", h.signReject).Methods(http.MethodPost)
	r.HandleFunc("/sign/audit", h.listSignatures).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

func (h *Handler) signAccept(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	res, err := h.svc.SignAccept(r.Context(), req, middleware.ClientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) signReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID uint64 `json:"proposal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	res, err := h.svc.SignReject(r.Context(), req.ProposalID, middleware.ClientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listSignatures(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Audit(r.Context(), 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"signatures": recs, "count": len(recs)})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"signer": h.svc.signer.Address().Hex(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrSafetyRejection):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, core.ErrUpstreamUnavailable):
		status, msg = http.StatusBadGateway, err.Error()
	}
	h.writeJSON(w, status, map[string]string{"error": msg, "code": core.ErrorCode(err)})
}
