package api

import (
	"net/http"
	"sort"

	"captionlens/pkg/config"
)

// ConfigHandler serves /ai/config and /ai/reload-config.
type ConfigHandler struct {
	registry *config.Registry
	reload   func() error
}

// NewConfigHandler builds a ConfigHandler. reload is typically
// prompt.Service.Reload, kept as a func so this package doesn't need to
// import pkg/prompt just for one method.
func NewConfigHandler(registry *config.Registry, reload func() error) *ConfigHandler {
	return &ConfigHandler{registry: registry, reload: reload}
}

// HandleConfig serves GET /ai/config: supported languages, styles, and
// per-stage model names, derived from the live prompt configuration
// snapshot rather than a separate schema.
func (h *ConfigHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.registry.Current()

	languages := make([]string, 0, len(cfg.Languages))
	for _, l := range cfg.Languages {
		languages = append(languages, l.Code)
	}
	sort.Strings(languages)

	styles := make([]string, 0)
	if caption, ok := cfg.Stages["caption"]; ok {
		seen := make(map[string]bool)
		for key := range caption.Templates {
			style := key
			if idx := lastUnderscore(key); idx >= 0 {
				style = key[:idx]
			}
			if !seen[style] {
				seen[style] = true
				styles = append(styles, style)
			}
		}
	}
	sort.Strings(styles)

	writeJSON(w, http.StatusOK, map[string]any{
		"languages": languages,
		"styles":    styles,
		"models":    cfg.Models,
	})
}

// HandleReload serves POST /ai/reload-config: atomically swaps in the
// prompt configuration re-read from disk.
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.reload(); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "reload config: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// lastUnderscore returns the index of the last underscore in s that splits
// a "<style>_<language>" template key, or -1 if s has no suffix to strip.
func lastUnderscore(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return i
		}
	}
	return -1
}
