package api

import (
	"net/http"
	"time"

	"cleannet/pkg/override"
)

const maxClientEntries = 10000

// handleGetClients handles GET /api/clients
func (s *Server) handleGetClients(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client ledger not available")
		return
	}

	snapshots := s.ledger.Snapshot()
	clients := make([]ClientSummary, 0, len(snapshots))
	for _, snap := range snapshots {
		clients = append(clients, ClientSummary{
			Client:    snap.Client,
			Name:      s.clientNames.Lookup(snap.Client),
			Queries:   snap.Queries,
			Retained:  len(snap.Entries),
			FirstSeen: snap.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:  snap.LastSeen.UTC().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, ClientsResponse{Clients: clients, Total: len(clients)})
}

// handleGetClient handles GET /api/clients/{client}. An optional limit
// keeps only the newest entries of the log.
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Client ledger not available")
		return
	}

	client := r.PathValue("client")
	snap, ok := s.ledger.Client(client)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Client not found")
		return
	}

	evicted := snap.Evicted()
	if limit := parsePositiveInt(r.URL.Query().Get("limit"), 0, maxClientEntries); limit > 0 && limit < len(snap.Entries) {
		snap.Entries = snap.Entries[len(snap.Entries)-limit:]
	}

	s.writeJSON(w, http.StatusOK, ClientResponse{
		ClientSnapshot: snap,
		Name:           s.clientNames.Lookup(client),
		Evicted:        evicted,
	})
}

// handleGetOverrides handles GET /api/overrides
func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		s.writeJSON(w, http.StatusOK, OverridesResponse{Overrides: []override.Entry{}})
		return
	}
	s.writeJSON(w, http.StatusOK, OverridesResponse{Overrides: s.overrides.Entries()})
}
