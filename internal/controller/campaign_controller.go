// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignLifecycle is the command side of the campaign service.
type CampaignLifecycle interface {
	Transition(ctx context.Context, id int64, to model.CampaignStatus) (*model.Campaign, error)
	RenderPreview(ctx context.Context, campaignID, recipientID int64, step int, overrideHTML *string) (*service.Preview, error)
}

// CampaignController serves campaign commands: lifecycle transitions and previews.
type CampaignController struct {
	CampaignService CampaignLifecycle
	Logger          *zap.Logger
}

// Routes mounts the command endpoints under /campaigns/{id}.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/activate", c.transitionTo(model.CampaignScheduled))
	r.Post("/campaigns/{id}/start", c.transitionTo(model.CampaignRunning))
	r.Post("/campaigns/{id}/pause", c.transitionTo(model.CampaignPaused))
	r.Post("/campaigns/{id}/resume", c.transitionTo(model.CampaignRunning))
	r.Post("/campaigns/{id}/stop", c.transitionTo(model.CampaignStopped))
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
}

func (c *CampaignController) transitionTo(to model.CampaignStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := campaignID(w, r)
		if !ok {
			return
		}

		campaign, err := c.CampaignService.Transition(r.Context(), id, to)
		if err != nil {
			c.writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, campaign)
	}
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		RecipientID      int64   `json:"recipient_id"`
		Step             int     `json:"step"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RecipientID <= 0 || body.Step < 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), id, body.RecipientID, body.Step, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": preview,
		"used_template":    body.OverrideTemplate,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	var invalid *appErrors.ErrInvalidTransition
	switch {
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusConflict)
	case appErrors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		c.Logger.Error("campaign command failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
