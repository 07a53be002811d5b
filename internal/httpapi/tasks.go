package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jadechjin/zotero-mineru-dify/internal/task"
)

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CollectionKeys any `json:"collection_keys"`
	}

	// An absent or malformed body means an unscoped run, like the
	// original surface.
	_ = json.NewDecoder(r.Body).Decode(&body)

	keys, err := parseCollectionKeys(body.CollectionKeys)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	snap, version := s.provider.Snapshot()

	tsk, err := s.manager.Create(keys, &snap, version)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())

		return
	}

	if err := s.manager.Start(tsk.ID, s.run); err != nil {
		writeError(w, http.StatusConflict, err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, envelope{"success": true, "task_id": tsk.ID})
}

// parseCollectionKeys accepts a JSON list of keys or one comma-separated
// string. Blank entries are dropped.
func parseCollectionKeys(v any) ([]string, error) {
	appendKey := func(keys []string, s string) []string {
		if s = strings.TrimSpace(s); s != "" {
			keys = append(keys, s)
		}

		return keys
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		var keys []string
		for _, k := range strings.Split(val, ",") {
			keys = appendKey(keys, k)
		}

		return keys, nil
	case []any:
		var keys []string

		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("collection_keys entries must be strings")
			}

			keys = appendKey(keys, s)
		}

		return keys, nil
	default:
		return nil, errors.New("collection_keys must be a string or a list of strings")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"success": true, "data": s.manager.List()})
}

// taskFromPath resolves {taskID} or writes the 404 envelope and returns nil.
func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request) *task.Task {
	tsk, err := s.manager.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")

		return nil
	}

	return tsk
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	tsk := s.taskFromPath(w, r)
	if tsk == nil {
		return
	}

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": tsk.Detail()})
}

// afterSeq reads the incremental cursor; anything unparseable means from
// the beginning.
func afterSeq(r *http.Request) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request) {
	tsk := s.taskFromPath(w, r)
	if tsk == nil {
		return
	}

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": tsk.Events(afterSeq(r))})
}

func (s *Server) getTaskFiles(w http.ResponseWriter, r *http.Request) {
	tsk := s.taskFromPath(w, r)
	if tsk == nil {
		return
	}

	writeJSON(w, http.StatusOK, envelope{"success": true, "data": tsk.Files()})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Cancel(chi.URLParam(r, "taskID"))

	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, envelope{"success": true, "message": "task cancelled"})
	}
}

func (s *Server) skipTaskFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}

	_ = json.NewDecoder(r.Body).Decode(&body)

	if strings.TrimSpace(body.Filename) == "" {
		writeError(w, http.StatusBadRequest, "filename is required")

		return
	}

	err := s.manager.SkipFile(chi.URLParam(r, "taskID"), body.Filename)

	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrUnknownFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, envelope{"success": true, "message": "file skipped"})
	}
}
