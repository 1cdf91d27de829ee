// internal/controller/safeguard_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/doubledekr/SharpSendvNext-sub005/internal/errors"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

type SafeguardController struct {
	Safeguard *service.SendSafeguard
	Log       zerolog.Logger
}

type sendRequest struct {
	RecipientIDs  []string `json:"recipient_ids"`
	Content       string   `json:"content"`
	ForceOverride bool     `json:"force_override"`
}

// Register mounts the safeguard routes on r.
func (c *SafeguardController) Register(r chi.Router) {
	r.Get("/healthz", c.Health)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Post("/duplicates", c.CheckDuplicates)
		r.Post("/send", c.InitiateSend)
		r.Post("/retry", c.RetrySend)
		r.Get("/status", c.GetStatus)
	})
	r.Route("/sends", func(r chi.Router) {
		r.Get("/pending", c.ListPending)
		r.Get("/recent", c.ListRecent)
		r.Post("/cleanup", c.Cleanup)
	})
}

func (c *SafeguardController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": len(c.Safeguard.GetPendingSends()),
	})
}

func (c *SafeguardController) CheckDuplicates(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.Log.Debug().Err(err).Str("path", r.URL.Path).Msg("invalid body")
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	res := c.Safeguard.CheckForDuplicates(chi.URLParam(r, "id"), body.RecipientIDs, body.Content)
	writeJSON(w, http.StatusOK, res)
}

func (c *SafeguardController) InitiateSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.Log.Debug().Err(err).Str("path", r.URL.Path).Msg("invalid body")
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	res := c.Safeguard.InitiateSend(chi.URLParam(r, "id"), body.RecipientIDs, body.Content, body.ForceOverride)
	writeJSON(w, sendStatus(res), res)
}

func (c *SafeguardController) RetrySend(w http.ResponseWriter, r *http.Request) {
	res := c.Safeguard.RetrySend(chi.URLParam(r, "id"))
	writeJSON(w, sendStatus(res), res)
}

func (c *SafeguardController) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := c.Safeguard.GetSendStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, appErrors.NewCampaignNotFound(id).Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (c *SafeguardController) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := c.Safeguard.GetPendingSends()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  pending,
		"count": len(pending),
	})
}

func (c *SafeguardController) ListRecent(w http.ResponseWriter, r *http.Request) {
	hours, ok := intQuery(w, r, "hours", 24)
	if !ok {
		return
	}
	recent := c.Safeguard.GetRecentSends(hours)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  recent,
		"count": len(recent),
		"hours": hours,
	})
}

func (c *SafeguardController) Cleanup(w http.ResponseWriter, r *http.Request) {
	days, ok := intQuery(w, r, "days", service.DefaultRetentionDays)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Safeguard.CleanupOldRecords(days))
}

// sendStatus maps a send result to an HTTP status.
func sendStatus(res model.SendResult) int {
	if res.Success {
		return http.StatusAccepted
	}
	var (
		notFound *appErrors.ErrCampaignNotFound
		invalid  *appErrors.ErrInvalidRequest
	)
	switch {
	case errors.As(res.Err, &notFound):
		return http.StatusNotFound
	case errors.As(res.Err, &invalid):
		return http.StatusBadRequest
	case res.Err == nil:
		// Refused without a typed cause: stopped or no transport.
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
