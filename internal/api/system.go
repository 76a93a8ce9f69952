package api

import (
	"net/http"

	"github.com/nerrad567/phonos/internal/control"
)

// handleListSubscriptions reports the state of every event
// subscription the client holds.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.controller.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// handleListActions returns the names of the supported control actions.
func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	actions := control.Actions()
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

// handleDiscover fires one immediate discovery probe on top of the
// fixed background interval.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DiscoverOnce(r.Context()); err != nil {
		writeInternalError(w, "discovery probe failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "probing"})
}
