package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"pump-inference/internal/dispatch"
	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.PredictionFilter{
		CoinID: q.Get("coin_id"),
		Tag:    domain.Tag(q.Get("tag")),
		Status: domain.Status(q.Get("status")),
	}
	if raw := q.Get("active_model_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, fmt.Errorf("%w: invalid active_model_id", errBadRequest))
			return
		}
		f.ActiveModelID = id
	}
	switch f.Tag {
	case "", domain.TagNegative, domain.TagPositive, domain.TagAlert:
	default:
		respondError(w, fmt.Errorf("%w: unknown tag %q", errBadRequest, f.Tag))
		return
	}
	switch f.Status {
	case "", domain.StatusLive, domain.StatusFinal:
	default:
		respondError(w, fmt.Errorf("%w: unknown status %q", errBadRequest, f.Status))
		return
	}

	var err error
	if f.Limit, err = queryInt(r, "limit", defaultPageSize, maxPageSize); err != nil {
		respondError(w, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0, 0); err != nil {
		respondError(w, err)
		return
	}

	preds, err := s.opts.Predictions.List(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	if preds == nil {
		preds = []*domain.Prediction{}
	}
	respondOK(w, envelope{"predictions": preds, "count": len(preds), "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, err)
		return
	}
	p, err := s.opts.Predictions.Get(r.Context(), id)
	if err != nil {
		respondError(w, fmt.Errorf("prediction %d: %w", id, err))
		return
	}
	respondOK(w, envelope{"prediction": p})
}

type predictRequest struct {
	CoinID        string `json:"coin_id" validate:"required"`
	ActiveModelID int64  `json:"active_model_id" validate:"gte=0"`
	Persist       bool   `json:"persist"`
}

type predictResult struct {
	ActiveModelID int64              `json:"active_model_id"`
	Prediction    *domain.Prediction `json:"prediction,omitempty"`
	Stored        bool               `json:"stored"`
	Skip          domain.SkipReason  `json:"skip_reason,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// predict runs the models on the coin's latest observation. With persist
// the result goes through the regular dispatch path, filters included.
func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := domain.ValidateMint(req.CoinID); err != nil {
		respondError(w, err)
		return
	}
	if s.opts.Dispatcher == nil {
		respondError(w, fmt.Errorf("dispatcher: %w", errNotConfigured))
		return
	}

	models, err := s.predictModels(r.Context(), req.ActiveModelID)
	if err != nil {
		respondError(w, err)
		return
	}
	o, err := s.opts.Observations.AtOrBefore(r.Context(), req.CoinID, s.now().UTC())
	if err != nil {
		respondError(w, fmt.Errorf("observation for %s: %w", req.CoinID, err))
		return
	}

	var results []predictResult
	if req.Persist {
		outcomes, err := s.opts.Dispatcher.Dispatch(r.Context(), []dispatch.Task{{Observation: o, Models: models}})
		if err != nil {
			respondError(w, err)
			return
		}
		for _, out := range outcomes {
			res := predictResult{
				ActiveModelID: out.ModelID,
				Prediction:    out.Prediction,
				Stored:        out.Stored,
				Skip:          out.Skip,
			}
			if out.Err != nil {
				res.Error = out.Err.Error()
			}
			results = append(results, res)
		}
	} else {
		for _, m := range models {
			res := predictResult{ActiveModelID: m.ID}
			p, err := s.opts.Dispatcher.Preview(r.Context(), o, m)
			if err != nil {
				res.Error = err.Error()
			}
			res.Prediction = p
			results = append(results, res)
		}
	}

	respondOK(w, envelope{
		"coin_id":               req.CoinID,
		"observation_timestamp": o.Timestamp,
		"persisted":             req.Persist,
		"results":               results,
	})
}

func (s *Server) predictModels(ctx context.Context, id int64) ([]*domain.ActiveModel, error) {
	if id > 0 {
		m, err := s.opts.Models.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", id, err)
		}
		return []*domain.ActiveModel{m}, nil
	}
	models, err := s.opts.Models.List(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: no active models", storage.ErrNotFound)
	}
	return models, nil
}

func (s *Server) modelStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadModel(w, r)
	if !ok {
		return
	}
	st, err := s.opts.Predictions.Stats(r.Context(), m.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, envelope{"model": m.Label(), "stats": st})
}

func (s *Server) outcomeStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		respondError(w, fmt.Errorf("outcome archive: %w", errNotConfigured))
		return
	}
	var id int64
	if raw := r.URL.Query().Get("active_model_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(w, fmt.Errorf("%w: invalid active_model_id", errBadRequest))
			return
		}
		id = v
	}
	summary, err := s.opts.Archive.Summary(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if summary == nil {
		summary = []domain.OutcomeSummary{}
	}
	respondOK(w, envelope{"outcomes": summary})
}

func (s *Server) listWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		respondError(w, err)
		return
	}
	logs, err := s.opts.WebhookLogs.List(r.Context(), r.URL.Query().Get("coin_id"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if logs == nil {
		logs = []*domain.WebhookLog{}
	}
	respondOK(w, envelope{"logs": logs, "count": len(logs)})
}

