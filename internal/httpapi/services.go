package httpapi

import (
	"net/http"
	"time"

	"github.com/jadechjin/zotero-mineru-dify/internal/dify"
	"github.com/jadechjin/zotero-mineru-dify/internal/mdclean"
	"github.com/jadechjin/zotero-mineru-dify/internal/mineru"
	"github.com/jadechjin/zotero-mineru-dify/internal/zotero"
)

// healthBody reports one probe outcome. The endpoint itself succeeds even
// when the probed service is down; connected carries the verdict.
func healthBody(err error, okMessage string) envelope {
	if err != nil {
		return envelope{"success": true, "connected": false, "message": err.Error()}
	}

	return envelope{"success": true, "connected": true, "message": okMessage}
}

func (s *Server) zoteroHealth(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.provider.Snapshot()
	client := zotero.NewClient(snap.Zotero.MCPURL, s.httpClient, s.logger)

	writeJSON(w, http.StatusOK, healthBody(client.CheckConnection(r.Context()), "zotero bridge reachable"))
}

func (s *Server) zoteroCollections(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.provider.Snapshot()
	client := zotero.NewClient(snap.Zotero.MCPURL, s.httpClient, s.logger)

	collections, err := client.ListCollections(r.Context(), "complete", snap.Zotero.CollectionPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing collections failed: "+err.Error())

		return
	}

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": collections})
}

func (s *Server) mineruHealth(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.provider.Snapshot()
	client := mineru.NewClient(mineru.Config{
		BaseURL:  snap.MinerU.BaseURL,
		APIToken: snap.MinerU.APIToken,
	}, s.httpClient, s.logger)

	writeJSON(w, http.StatusOK, healthBody(client.CheckConnection(r.Context()), "minerU API reachable"))
}

func (s *Server) difyHealth(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.provider.Snapshot()
	client := dify.NewClient(dify.Config{
		BaseURL: snap.Dify.BaseURL,
		APIKey:  snap.Dify.APIKey,
	}, s.httpClient, s.logger)

	writeJSON(w, http.StatusOK, healthBody(client.CheckConnection(r.Context()), "dify API reachable"))
}

func (s *Server) imageSummaryHealth(w http.ResponseWriter, r *http.Request) {
	snap, _ := s.provider.Snapshot()
	cleaner := mdclean.NewCleaner(mdclean.Config{}, mdclean.VisionConfig{
		Enabled:        snap.ImageSummary.Enabled,
		APIBaseURL:     snap.ImageSummary.APIBaseURL,
		APIKey:         snap.ImageSummary.APIKey,
		Model:          snap.ImageSummary.Model,
		Provider:       snap.ImageSummary.Provider,
		RequestTimeout: time.Duration(snap.ImageSummary.RequestTimeoutS) * time.Second,
	}, s.httpClient, s.logger)

	status := cleaner.CheckVisionConnection(r.Context())

	writeJSON(w, http.StatusOK, envelope{
		"success":   true,
		"connected": status.Connected,
		"message":   status.Message,
	})
}
