package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
)

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	masked, version := s.provider.Masked()

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": masked, "version": version})
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]map[string]any

	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object of categories")

		return
	}

	if _, err := s.provider.Update(patch); err != nil {
		writeError(w, http.StatusInternalServerError, "config update failed: "+err.Error())

		return
	}

	masked, version := s.provider.Masked()

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": masked, "version": version})
}

func (s *Server) getConfigSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{
		"success":         true,
		"schema":          runtimecfg.Schema(),
		"category_labels": runtimecfg.CategoryLabels(),
	})
}

func (s *Server) importEnv(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}

	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.Path == "" {
		body.Path = ".env"
	}

	if _, _, err := s.provider.ImportEnv(body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "env import failed: "+err.Error())

		return
	}

	masked, version := s.provider.Masked()

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": masked, "version": version})
}

func (s *Server) resetConfig(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.provider.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, "config reset failed: "+err.Error())

		return
	}

	masked, version := s.provider.Masked()

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": masked, "version": version})
}
