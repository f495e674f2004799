package api

import (
	"fmt"
	"net/http"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/model"
)

// modelView is the admin representation of an active model.
type modelView struct {
	ID               int64                `json:"id"`
	TrainingModelID  int64                `json:"training_model_id"`
	Name             string               `json:"name"`
	Label            string               `json:"label"`
	ModelType        string               `json:"model_type"`
	ArtifactPath     string               `json:"local_artifact_path"`
	Features         []string             `json:"features"`
	TargetKind       domain.TargetKind    `json:"target_kind"`
	Target           domain.TargetDetail  `json:"target"`
	Settings         domain.ModelSettings `json:"settings"`
	Metrics          map[string]float64   `json:"metrics,omitempty"`
	IsActive         bool                 `json:"is_active"`
	TotalPredictions int64                `json:"total_predictions"`
	Health           *model.Health        `json:"health,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func (s *Server) view(m *domain.ActiveModel) modelView {
	v := modelView{
		ID:               m.ID,
		TrainingModelID:  m.TrainingModelID,
		Name:             m.Name,
		Label:            m.Label(),
		ModelType:        m.ModelType,
		ArtifactPath:     m.ArtifactPath,
		Features:         m.FeatureNames,
		TargetKind:       m.TargetKind,
		Target:           m.Target,
		Settings:         m.Settings(),
		Metrics:          m.Metrics,
		IsActive:         m.IsActive,
		TotalPredictions: m.TotalPredictions,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if s.opts.Artifacts != nil {
		if h, ok := s.opts.Artifacts.Health(m.ID); ok {
			v.Health = &h
		}
	}
	return v
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("active_only") != "true"
	models, err := s.opts.Models.List(r.Context(), includeInactive)
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, s.view(m))
	}
	respondOK(w, envelope{"models": views, "total": len(views)})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	respondOK(w, envelope{"model": s.view(m)})
}

func (s *Server) loadModel(w http.ResponseWriter, r *http.Request) (*domain.ActiveModel, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	m, err := s.opts.Models.Get(r.Context(), id)
	if err != nil {
		respondError(w, fmt.Errorf("model %d: %w", id, err))
		return nil, false
	}
	return m, true
}

type availableModel struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	ModelType     string   `json:"model_type"`
	Status        string   `json:"status"`
	Features      []string `json:"features"`
	Phases        []int    `json:"phases"`
	TimeBased     bool     `json:"time_based"`
	FutureMinutes *int     `json:"future_minutes"`
	Imported      bool     `json:"imported"`
	ActiveModelID int64    `json:"active_model_id,omitempty"`
}

func (s *Server) availableModels(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		respondError(w, fmt.Errorf("training service: %w", errNotConfigured))
		return
	}
	catalog, err := s.opts.Catalog.Models(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	imported, err := s.importedByTrainingID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]availableModel, 0, len(catalog))
	for _, info := range catalog {
		am := availableModel{
			ID:            info.ID,
			Name:          info.Name,
			ModelType:     info.ModelType,
			Status:        info.Status,
			Features:      info.Features,
			Phases:        info.Phases,
			TimeBased:     info.IsTimeBased(),
			FutureMinutes: info.FutureMinutes,
		}
		if id, ok := imported[info.ID]; ok {
			am.Imported = true
			am.ActiveModelID = id
		}
		out = append(out, am)
	}
	respondOK(w, envelope{"models": out, "total": len(out)})
}

func (s *Server) importedByTrainingID(r *http.Request) (map[int64]int64, error) {
	models, err := s.opts.Models.List(r.Context(), true)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(models))
	for _, m := range models {
		out[m.TrainingModelID] = m.ID
	}
	return out, nil
}

type importRequest struct {
	TrainingModelID int64  `json:"training_model_id" validate:"required,gt=0"`
	DisplayName     string `json:"display_name" validate:"max=200"`
	Activate        *bool  `json:"activate"`
}

// importModel copies a training-catalog model into active_models with a
// frozen feature manifest and a local artifact.
func (s *Server) importModel(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if s.opts.Catalog == nil || s.opts.Artifacts == nil {
		respondError(w, fmt.Errorf("training service: %w", errNotConfigured))
		return
	}

	imported, err := s.importedByTrainingID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if id, ok := imported[req.TrainingModelID]; ok {
		respondError(w, fmt.Errorf("training model %d: %w as active model %d", req.TrainingModelID, errAlreadyPresent, id))
		return
	}

	info, err := s.opts.Catalog.Model(r.Context(), req.TrainingModelID)
	if err != nil {
		respondError(w, err)
		return
	}
	m, err := info.ToActiveModel()
	if err != nil {
		respondError(w, err)
		return
	}
	path, err := s.opts.Artifacts.Fetch(r.Context(), req.TrainingModelID)
	if err != nil {
		respondError(w, err)
		return
	}

	m.ArtifactPath = path
	m.DisplayName = req.DisplayName
	m.IsActive = req.Activate == nil || *req.Activate
	if err := s.opts.Models.Upsert(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	s.changed()
	s.log.Info().Int64("active_model_id", m.ID).Int64("training_model_id", m.TrainingModelID).Str("path", path).Msg("model imported")
	respondJSON(w, http.StatusCreated, envelope{"model": s.view(m)})
}

func (s *Server) activateModel(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) deactivateModel(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	if err := s.opts.Models.SetActive(r.Context(), m.ID, active); err != nil {
		respondError(w, err)
		return
	}
	s.changed()
	s.respondModel(w, r, m.ID)
}

func (s *Server) respondModel(w http.ResponseWriter, r *http.Request, id int64) {
	m, err := s.opts.Models.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, envelope{"model": s.view(m)})
}

type renameRequest struct {
	Name string `json:"name" validate:"max=200"`
}

func (s *Server) renameModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.opts.Models.Rename(r.Context(), m.ID, req.Name); err != nil {
		respondError(w, err)
		return
	}
	s.changed()
	s.respondModel(w, r, m.ID)
}

type alertConfigRequest struct {
	AlertThreshold       *float64            `json:"alert_threshold" validate:"omitempty,gte=0,lte=1"`
	SendModes            *domain.SendModeSet `json:"send_mode"`
	WebhookURL           *string             `json:"webhook_url" validate:"omitempty,max=2048"`
	WebhookEnabled       *bool               `json:"webhook_enabled"`
	SendIgnoredToWebhook *bool               `json:"send_ignored_to_webhook"`
	CoinFilter           *domain.CoinFilter  `json:"coin_filter"`
	Phases               *[]int              `json:"phases"`
}

func (s *Server) updateAlertConfig(w http.ResponseWriter, r *http.Request) {
	var req alertConfigRequest
	s.patchSettings(w, r, &req, func(st *domain.ModelSettings) error {
		if req.WebhookURL != nil && *req.WebhookURL != "" {
			if err := validate.Var(*req.WebhookURL, "url"); err != nil {
				return fmt.Errorf("%w: webhook_url: %w", errBadRequest, err)
			}
		}
		setIf(&st.AlertThreshold, req.AlertThreshold)
		setIf(&st.SendModes, req.SendModes)
		setIf(&st.WebhookURL, req.WebhookURL)
		setIf(&st.WebhookEnabled, req.WebhookEnabled)
		setIf(&st.SendIgnoredToWebhook, req.SendIgnoredToWebhook)
		setIf(&st.CoinFilter, req.CoinFilter)
		setIf(&st.Phases, req.Phases)
		return nil
	})
}

type ignoreSettingsRequest struct {
	IgnoreBadSec      *int `json:"ignore_bad_sec" validate:"omitempty,gte=0"`
	IgnorePositiveSec *int `json:"ignore_positive_sec" validate:"omitempty,gte=0"`
	IgnoreAlertSec    *int `json:"ignore_alert_sec" validate:"omitempty,gte=0"`
}

func (s *Server) updateIgnoreSettings(w http.ResponseWriter, r *http.Request) {
	var req ignoreSettingsRequest
	s.patchSettings(w, r, &req, func(st *domain.ModelSettings) error {
		setIf(&st.IgnoreBadSec, req.IgnoreBadSec)
		setIf(&st.IgnorePositiveSec, req.IgnorePositiveSec)
		setIf(&st.IgnoreAlertSec, req.IgnoreAlertSec)
		return nil
	})
}

type maxLogEntriesRequest struct {
	Negative *int `json:"max_log_entries_negative" validate:"omitempty,gte=0"`
	Positive *int `json:"max_log_entries_positive" validate:"omitempty,gte=0"`
	Alert    *int `json:"max_log_entries_alert" validate:"omitempty,gte=0"`
}

func (s *Server) updateMaxLogEntries(w http.ResponseWriter, r *http.Request) {
	var req maxLogEntriesRequest
	s.patchSettings(w, r, &req, func(st *domain.ModelSettings) error {
		setIf(&st.MaxLogEntriesNegative, req.Negative)
		setIf(&st.MaxLogEntriesPositive, req.Positive)
		setIf(&st.MaxLogEntriesAlert, req.Alert)
		return nil
	})
}

// patchSettings decodes req, applies it to the model's current settings
// and stores the result.
func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request, req any, apply func(*domain.ModelSettings) error) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	if err := decode(r, req); err != nil {
		respondError(w, err)
		return
	}
	st := m.Settings()
	if err := apply(&st); err != nil {
		respondError(w, err)
		return
	}
	s.saveSettings(w, r, m.ID, st)
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request, id int64, st domain.ModelSettings) {
	if err := st.Validate(); err != nil {
		respondError(w, err)
		return
	}
	st.Normalize()
	if err := s.opts.Models.UpdateSettings(r.Context(), id, st); err != nil {
		respondError(w, err)
		return
	}
	s.changed()
	s.respondModel(w, r, id)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// exportModelConfig returns the model's settings document. Feeding it back
// to importModelConfig leaves the stored settings unchanged.
func (s *Server) exportModelConfig(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	respondOK(w, envelope{"active_model_id": m.ID, "config": m.Settings()})
}

func (s *Server) importModelConfig(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	var st domain.ModelSettings
	if err := decode(r, &st); err != nil {
		respondError(w, err)
		return
	}
	s.saveSettings(w, r, m.ID, st)
}

// reloadModel drops the cached artifact so the next prediction re-reads it.
func (s *Server) reloadModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	if s.opts.Artifacts != nil {
		s.opts.Artifacts.Invalidate(m)
	}
	s.changed()
	respondOK(w, envelope{"model": s.view(m), "message": "artifact will be reloaded on next use"})
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	if err := s.opts.Models.Delete(r.Context(), m.ID); err != nil {
		respondError(w, err)
		return
	}
	if s.opts.Artifacts != nil {
		s.opts.Artifacts.Forget(m)
	}
	s.changed()
	s.log.Info().Int64("active_model_id", m.ID).Msg("model deleted")
	respondOK(w, envelope{"deleted": m.ID})
}
