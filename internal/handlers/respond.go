package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/sirupsen/logrus"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto status codes. fallback is the user-facing text for
// unexpected failures, which are logged but never echoed.
func writeError(w http.ResponseWriter, logger *logrus.Logger, err error, fallback string) {
	if ve, ok := models.AsValidation(err); ok {
		writeErrorMsg(w, http.StatusBadRequest, ve.Reason)
		return
	}
	switch {
	case errors.Is(err, models.ErrLobbyNotFound):
		writeErrorMsg(w, http.StatusNotFound, "Lobby not found")
	case errors.Is(err, models.ErrPlayerNotFound):
		writeErrorMsg(w, http.StatusNotFound, "Player not found")
	default:
		logger.WithError(err).Error(fallback)
		writeErrorMsg(w, http.StatusInternalServerError, fallback)
	}
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func lobbyIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "lobbyId"))
}
