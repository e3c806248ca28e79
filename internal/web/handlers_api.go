package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"enocean-go-home/internal/coordinator"
	"enocean-go-home/internal/eep"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Devices().List())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Devices().Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleAPICommand applies {"command": ..., "value": ...} to a device and
// responds with the device's new snapshot.
func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cmd eep.Command
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cmd.Name == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	if err := s.coord.Devices().Command(r.Context(), id, cmd); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrUnknownDevice):
			s.writeError(w, http.StatusNotFound, "device not found")
		case errors.Is(err, eep.ErrUnknownCommand), errors.Is(err, eep.ErrInvalidArgument):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("device command", "id", id, "command", cmd.Name, "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	snap, err := s.coord.Devices().Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIGateway(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.GatewayInfo())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
