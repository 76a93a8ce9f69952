package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/phonos/internal/topology"
)

// handleGetTopology returns the full current topology snapshot.
func (s *Server) handleGetTopology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handleListGroups returns the groups from the current snapshot.
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	snap := s.controller.Snapshot()

	groups := make([]topology.Group, 0, len(snap.Groups))
	for _, g := range snap.Groups {
		groups = append(groups, g)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups":  groups,
		"count":   len(groups),
		"version": snap.Version,
	})
}

// handleGetGroup returns one group by ID, or by a member device's ID
// when no group carries the given ID directly.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := s.controller.Snapshot()

	if g, ok := snap.Groups[id]; ok {
		writeJSON(w, http.StatusOK, g)
		return
	}
	if g, ok := snap.GroupOf(id); ok {
		writeJSON(w, http.StatusOK, g)
		return
	}
	writeNotFound(w, "group not found")
}
