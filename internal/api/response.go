package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"pump-inference/internal/config"
	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
	"pump-inference/internal/training"
)

var (
	errBadRequest     = errors.New("bad request")
	errRouteNotFound  = errors.New("route not found")
	errNotConfigured  = errors.New("not configured")
	errAlreadyPresent = errors.New("already imported")
)

var validate = validator.New()

// envelope is the JSON body of every response.
type envelope map[string]any

func respondJSON(w http.ResponseWriter, status int, body envelope) {
	if body == nil {
		body = envelope{}
	}
	body["success"] = status < http.StatusBadRequest
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, body envelope) {
	respondJSON(w, http.StatusOK, body)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), envelope{"error": err.Error()})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, training.ErrNotFound),
		errors.Is(err, errRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, errAlreadyPresent):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidSettings),
		errors.Is(err, config.ErrInvalidConfig),
		errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, training.ErrUnavailable),
		errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", errBadRequest)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	if max > 0 && v > max {
		v = max
	}
	return v, nil
}
