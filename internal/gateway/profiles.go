package gateway

import (
	"errors"
	"net/http"

	"github.com/basket/go-amplifier/internal/profile"
)

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeJSON(w, http.StatusOK, map[string]any{"profiles": []profile.Summary{}})
		return
	}
	summaries, err := s.cfg.Profiles.List()
	if err != nil {
		s.logger.Error("list profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "PROFILE_LIST_FAILED", "Failed to list profiles: "+err.Error(), nil)
		return
	}

	collection := r.URL.Query().Get("collection")
	out := make([]profile.Summary, 0, len(summaries))
	for _, sum := range summaries {
		if collection != "" && (sum.Collection == nil || *sum.Collection != collection) {
			continue
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.cfg.Profiles == nil {
		writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "Profile '"+name+"' not found",
			map[string]any{"profile_name": name})
		return
	}
	p, err := s.cfg.Profiles.Load(name)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", "Profile '"+name+"' not found",
			map[string]any{"profile_name": name})
		return
	case err != nil:
		s.logger.Error("load profile", "profile", name, "error", err)
		writeError(w, http.StatusInternalServerError, "PROFILE_LOAD_FAILED", "Failed to load profile: "+err.Error(),
			map[string]any{"profile_name": name})
		return
	}
	writeJSON(w, http.StatusOK, profileDetail(p))
}

func profileDetail(p *profile.Profile) map[string]any {
	return map[string]any{
		"name":         p.Name,
		"collection":   nullable(p.Collection),
		"description":  p.Description,
		"extends":      nullable(p.Extends),
		"providers":    nonNilModules(p.Providers),
		"tools":        nonNilModules(p.Tools),
		"hooks":        nonNilModules(p.Hooks),
		"orchestrator": p.Orchestrator,
		"agents":       nonNilStrings(p.Agents),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilModules(m []profile.ModuleConfig) []profile.ModuleConfig {
	if m == nil {
		return []profile.ModuleConfig{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
