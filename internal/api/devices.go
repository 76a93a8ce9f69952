package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/phonos/internal/client"
	"github.com/nerrad567/phonos/internal/control"
	"github.com/nerrad567/phonos/internal/device"
)

// handleListDevices returns all known devices, with optional query
// filters.
//
// Query parameters:
//   - reachable: "true" or "false" filters by reachability
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.controller.Devices()

	if reachable := r.URL.Query().Get("reachable"); reachable != "" {
		want := reachable == "true"
		filtered := devices[:0]
		for _, dev := range devices {
			if dev.Reachable == want {
				filtered = append(filtered, dev)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	for _, dev := range s.controller.Devices() {
		if dev.ID == id {
			writeJSON(w, http.StatusOK, dev)
			return
		}
	}
	writeNotFound(w, "device not found")
}

// handleDeleteDevice purges a device the controller no longer tracks
// on the network. Devices still held by the topology, which includes
// every reachable one, are refused with 409.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	switch err := s.controller.RemoveDevice(id); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "removed": true})
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, device.ErrDeviceReferenced):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is still grouped")
	default:
		writeInternalError(w, "device removal failed")
	}
}

// commandRequest is the body of POST /devices/{id}/command.
type commandRequest struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
}

// commandResponse carries the values the device returned, if any.
type commandResponse struct {
	DeviceID string            `json:"device_id"`
	Action   string            `json:"action"`
	Values   map[string]string `json:"values,omitempty"`
}

// handleDeviceCommand dispatches a control action to one device.
//
// Failures map to status codes: unknown device is 404, unreachable
// device is 409, a bad action or missing argument is 400, and a
// rejection or transport failure from the device itself is 502 with
// the device's error code in the message.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}

	values, err := s.controller.SendCommand(r.Context(), id, req.Action, req.Args)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		DeviceID: id,
		Action:   req.Action,
		Values:   values,
	})
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var cmdErr *control.CommandError
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, client.ErrDeviceUnreachable):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is unreachable")
	case errors.Is(err, control.ErrUnknownAction):
		writeBadRequest(w, "unknown action")
	case errors.Is(err, control.ErrMissingArgument):
		writeBadRequest(w, err.Error())
	case errors.As(err, &cmdErr):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceErr, cmdErr.Error())
	default:
		writeInternalError(w, "command failed")
	}
}
