package handlers

import (
	"net/http"
	"sort"
)

// ListChannels reports the live channels with their rosters. This is a
// point-in-time snapshot of the in-memory registry, not the durable channel
// table: a channel appears here only while at least one connection is open.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Channel < stats[j].Channel })

	h.JSON(w, http.StatusOK, map[string]interface{}{
		"channels": stats,
		"count":    len(stats),
	})
}
