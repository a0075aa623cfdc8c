package api

import (
	"context"
	"net/http"
	"time"

	"cleannet/pkg/blocklist"
)

const (
	defaultDomainPageSize = 100
	maxDomainPageSize     = 5000
	reloadTimeout         = 2 * time.Minute
)

// handleGetBlocklists handles GET /api/blocklists
func (s *Server) handleGetBlocklists(w http.ResponseWriter, r *http.Request) {
	if s.blocklistManager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist manager not available")
		return
	}

	s.writeJSON(w, http.StatusOK, BlocklistsResponse{Lists: s.blocklistManager.Status()})
}

// handleGetBlocklistDomains handles GET /api/blocklists/{list}
func (s *Server) handleGetBlocklistDomains(w http.ResponseWriter, r *http.Request) {
	if s.blocklistManager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist manager not available")
		return
	}

	list := blocklist.List(r.PathValue("list"))
	if list != blocklist.ListAds && list != blocklist.ListPhishing {
		s.writeError(w, http.StatusNotFound, "Unknown block list "+string(list))
		return
	}

	limit := parsePositiveInt(r.URL.Query().Get("limit"), defaultDomainPageSize, maxDomainPageSize)
	offset := parseNonNegativeInt(r.URL.Query().Get("offset"), 0)

	domains := s.blocklistManager.Store().Get(list).Domains()
	total := len(domains)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)

	s.writeJSON(w, http.StatusOK, DomainsResponse{
		List:    list,
		Domains: domains[offset:end],
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleBlocklistReload handles POST /api/blocklists/reload
func (s *Server) handleBlocklistReload(w http.ResponseWriter, r *http.Request) {
	if s.blocklistManager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist manager not available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	s.logger.Info("Reloading blocklists via API")

	// A failed list keeps its previous contents, so the response still
	// reports current sizes alongside the error.
	if err := s.blocklistManager.Reload(ctx); err != nil {
		s.logger.Error("Failed to reload blocklists", "error", err)
		s.writeJSON(w, http.StatusBadGateway, BlocklistReloadResponse{
			Status:  "error",
			Lists:   s.blocklistManager.Status(),
			Message: err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, BlocklistReloadResponse{
		Status:  "ok",
		Lists:   s.blocklistManager.Status(),
		Message: "Blocklists reloaded",
	})
}
