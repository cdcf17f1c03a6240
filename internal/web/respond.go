package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/grove-scheduler/internal/internaltypes"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr maps domain errors onto status codes.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case internaltypes.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case internaltypes.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case internaltypes.IsStale(err):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, internaltypes.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "unauthorized")
	default:
		log.Printf("web: %s %s: %v", r.Method, r.URL.Path, err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return internaltypes.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, internaltypes.Invalid(name, "not a valid uuid")
	}
	return id, nil
}
