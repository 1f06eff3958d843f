package api

import (
	"net/http"
	"strconv"

	"captionlens/pkg/geo"
)

// GeoHandler serves the standalone place-name search surface, separate from
// the coordinate lookup the caption orchestrator drives internally.
type GeoHandler struct {
	resolver *geo.Resolver
}

// NewGeoHandler builds a GeoHandler.
func NewGeoHandler(resolver *geo.Resolver) *GeoHandler {
	return &GeoHandler{resolver: resolver}
}

// HandleSearch serves GET /geo/search?q=<term>&country=<ISO-code>&limit=<n>:
// a substring search over UNESCO sites and GeoNames places by name.
func (h *GeoHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		missingField(w, "Q")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidParameter, "limit must be an integer")
			return
		}
		limit = n
	}

	matches, err := h.resolver.SearchByName(r.Context(), term, r.URL.Query().Get("country"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "search: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
