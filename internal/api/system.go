package api

import (
	"context"
	"net/http"
	"time"

	"pump-inference/internal/config"
)

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runtime == nil {
		respondError(w, errNotConfigured)
		return
	}
	respondOK(w, envelope{"config": s.opts.Runtime.Get()})
}

// putConfig validates the runtime settings, writes them to the config file
// and applies them from the next tick on.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runtime == nil {
		respondError(w, errNotConfigured)
		return
	}
	settings := s.opts.Runtime.Get()
	if err := decode(r, &settings); err != nil {
		respondError(w, err)
		return
	}
	if err := s.opts.Runtime.Update(settings); err != nil {
		respondError(w, err)
		return
	}
	s.log.Info().Msg("runtime configuration updated")
	respondOK(w, envelope{"config": settings})
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runtime == nil {
		respondError(w, errNotConfigured)
		return
	}
	settings, err := s.opts.Runtime.Reload()
	if err != nil {
		respondError(w, err)
		return
	}
	s.log.Info().Msg("runtime configuration reloaded")
	respondOK(w, envelope{"config": settings})
}

// health reports 503 when the ingestion heartbeat is older than StaleAfter.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := envelope{"status": "ok", "db": "ok"}
	status := http.StatusOK

	if s.opts.Ping != nil {
		if err := s.opts.Ping(ctx); err != nil {
			body["db"] = "error"
			body["db_error"] = err.Error()
		}
	}
	if models, err := s.opts.Models.List(ctx, false); err != nil {
		body["db"] = "error"
	} else {
		body["models_active"] = len(models)
	}

	if s.opts.Ingestion != nil {
		hb := s.opts.Ingestion.Heartbeat()
		body["watermark"] = s.opts.Ingestion.Watermark()
		body["last_heartbeat"] = hb.Last()
		if hb.Stale(s.now(), s.opts.StaleAfter) {
			body["status"] = "stalled"
			status = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, status, body)
}

var _ RuntimeConfig = (*config.Runtime)(nil)
