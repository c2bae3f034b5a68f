package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terrpan/atbroker/internal/broker"
	"github.com/terrpan/atbroker/internal/model"
)

type handlers struct {
	ops    Operations
	logger *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type registerJobRequest struct {
	WantedRunners *int           `json:"wanted_runners,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	UpdateOnly    bool           `json:"update_only,omitempty"`
}

type runnerAddressRequest struct {
	Address string `json:"address"`
}

type confirmRequest struct {
	URL string `json:"url"`
}

type settingRequest struct {
	Value string `json:"value"`
}

type settingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError maps err onto a status code.  Callers only learn that
// something was not found or not allowed, never why.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, errNoCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, model.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, model.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		attrs := []any{slog.String("error", err.Error())}
		if model.IsInvariantViolation(err) {
			attrs = append(attrs, slog.Bool("alert", true))
		}
		logger.Error("request failed", attrs...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errors.New("invalid request body"), model.ErrInvalidArgument)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instance endpoints
// ---------------------------------------------------------------------------

func (h *handlers) registerJob(w http.ResponseWriter, r *http.Request) {
	var req registerJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	summary, err := h.ops.RegisterJob(r.Context(), originFrom(r.Context()), broker.RegisterJob{
		RemoteID:      chi.URLParam(r, "remoteID"),
		WantedRunners: req.WantedRunners,
		Metadata:      req.Metadata,
		UpdateOnly:    req.UpdateOnly,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.DeleteJob(r.Context(), originFrom(r.Context()), chi.URLParam(r, "remoteID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) removeRunner(w http.ResponseWriter, r *http.Request) {
	var req runnerAddressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	err := h.ops.RemoveRunner(r.Context(), originFrom(r.Context()), chi.URLParam(r, "remoteID"), req.Address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) claimRunner(w http.ResponseWriter, r *http.Request) {
	var req runnerAddressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	err := h.ops.ClaimRunner(r.Context(), originFrom(r.Context()), chi.URLParam(r, "remoteID"), req.Address)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Runner endpoints
// ---------------------------------------------------------------------------

func runnerSecret(r *http.Request) (string, error) {
	secret := r.Header.Get(HeaderRunnerPass)
	if secret == "" {
		return "", errNoCredentials
	}
	return secret, nil
}

func (h *handlers) reportAlive(w http.ResponseWriter, r *http.Request) {
	secret, err := runnerSecret(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	summary, err := h.ops.ReportAlive(r.Context(), callerAddress(r), secret)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) pollForWork(w http.ResponseWriter, r *http.Request) {
	secret, err := runnerSecret(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	urls, err := h.ops.PollForWork(r.Context(), chi.URLParam(r, "publicID"), secret)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

func (h *handlers) confirmStarted(w http.ResponseWriter, r *http.Request) {
	secret, err := runnerSecret(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	err = h.ops.ConfirmStarted(r.Context(), chi.URLParam(r, "publicID"), secret, callerAddress(r), req.URL)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Admin endpoints
// ---------------------------------------------------------------------------

func (h *handlers) listSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.ops.Settings(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handlers) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.ops.Setting(r.Context(), key)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: value})
}

func (h *handlers) setSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	key := chi.URLParam(r, "key")
	value, err := h.ops.SetSetting(r.Context(), key, req.Value)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: value})
}
