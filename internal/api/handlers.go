package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/jsperling/grabdeck/internal/queue"
	"github.com/jsperling/grabdeck/internal/storage"
)

// catchAllReserved prefixes never reinterpret as pasted URLs.
var catchAllReserved = []string{"api/", "download", "healthz", "static/", "metrics", "readyz", "gallery", "files/"}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

func isValidURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// parseBoundedInt reads a numeric query parameter, falling back on garbage
// and clamping into [minimum, maximum].
func parseBoundedInt(raw string, fallback, minimum, maximum int) int {
	value := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			value = parsed
		}
	}
	if value < minimum {
		return minimum
	}
	if value > maximum {
		return maximum
	}
	return value
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobURL := strings.TrimSpace(r.FormValue("u"))
	preset := strings.TrimSpace(r.FormValue("preset"))
	if preset == "" {
		preset = queue.DefaultPreset
	}

	if !isValidURL(jobURL) {
		s.writeError(w, http.StatusBadRequest, "invalid_url")
		return
	}
	if _, ok := queue.PresetByID(preset); !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_preset")
		return
	}

	record, err := s.manager.Enqueue(jobURL, preset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":     true,
		"job_id": record.ID,
		"preset": preset,
		"status": record.Status,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetDownload(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "not_found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseBoundedInt(q.Get("page"), 1, 1, 100000)
	perPage := parseBoundedInt(q.Get("per_page"), 20, 1, 100)

	items, total, err := s.store.ListDownloads(storage.ListOptions{
		Page:     page,
		PerPage:  perPage,
		Status:   strings.TrimSpace(q.Get("status")),
		Query:    strings.TrimSpace(q.Get("q")),
		Sort:     strings.TrimSpace(q.Get("sort")),
		Uploader: strings.TrimSpace(q.Get("uploader")),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if items == nil {
		items = []storage.Download{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"items":    items,
		"page":     page,
		"per_page": perPage,
		"pages":    pageCount(total, perPage),
		"total":    total,
	})
}

func pageCount(total int64, perPage int) int64 {
	if perPage <= 0 {
		return 1
	}
	return (total + int64(perPage) - 1) / int64(perPage)
}

// controlJob runs one lifecycle operation and renders the shared
// 200/404/409 contract around it.
func (s *Server) controlJob(w http.ResponseWriter, r *http.Request, op func(string) (bool, string, error)) {
	id := chi.URLParam(r, "jobID")
	ok, state, err := op(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !ok {
		job, err := s.store.GetDownload(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if job == nil {
			s.writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.writeError(w, http.StatusConflict, state)
		return
	}

	job, err := s.store.GetDownload(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "state": state, "job": job})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.manager.Resume)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.controlJob(w, r, s.manager.Retry)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ok, state, err := s.manager.Delete(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, state)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "state": state})
}

// handleLegacyDelete keeps the old form endpoint alive: deletion by job id
// or by bare media filename.
func (s *Server) handleLegacyDelete(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.FormValue("job_id"))
	filename := strings.TrimSpace(r.FormValue("filename"))

	if jobID != "" {
		ok, state, err := s.manager.Delete(jobID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, state)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		return
	}

	if filename == "" {
		s.writeError(w, http.StatusBadRequest, "No filename")
		return
	}
	// Bare filenames only; anything path-like is hostile.
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		s.writeError(w, http.StatusForbidden, "Invalid filename")
		return
	}

	row, err := s.store.GetByFilename(filename)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if row == nil {
		s.writeError(w, http.StatusNotFound, "File not found")
		return
	}

	ok, state, err := s.manager.Delete(row.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !ok {
		s.writeError(w, http.StatusInternalServerError, state)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"presets": queue.Presets,
		"default": queue.DefaultPreset,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	probeURL := strings.TrimSpace(r.URL.Query().Get("u"))
	if !isValidURL(probeURL) {
		s.writeError(w, http.StatusBadRequest, "invalid_url")
		return
	}

	info, err := s.runner.Probe(r.Context(), probeURL)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"title":    info["title"],
		"ext":      info["ext"],
		"id":       info["id"],
		"uploader": info["uploader"],
	})
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}

	full, ok := s.manager.SafeStoragePath(raw)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{
		"db":                        false,
		"download_dir_writable":     false,
		"disk_free_mb":              nil,
		"required_min_disk_free_mb": s.settings.MinFreeDiskMB,
	}

	if err := s.store.CheckReadWrite(); err != nil {
		checks["db_error"] = err.Error()
	} else {
		checks["db"] = true
	}

	// An actual write probe; permission bits alone miss read-only mounts.
	if probe, err := os.CreateTemp(s.settings.BaseDownloadDir, ".readyz-*"); err != nil {
		checks["download_dir_error"] = err.Error()
	} else {
		name := probe.Name()
		_ = probe.Close()
		_ = os.Remove(name)
		checks["download_dir_writable"] = true
	}

	if usage, err := disk.Usage(s.settings.BaseDownloadDir); err != nil {
		checks["disk_error"] = err.Error()
		checks["disk_ok"] = false
	} else {
		freeMB := int(usage.Free / (1024 * 1024))
		checks["disk_free_mb"] = freeMB
		checks["disk_ok"] = freeMB >= s.settings.MinFreeDiskMB
	}

	ok := checks["db"] == true && checks["download_dir_writable"] == true && checks["disk_ok"] == true
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{"ok": ok, "checks": checks})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleCatchAll turns a pasted media URL into an enqueue with the default
// preset: GET /https://example.com/watch?v=x downloads that video. Anything
// that does not reconstruct into an http(s) URL renders the index with an
// error instead.
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/")
	for _, prefix := range catchAllReserved {
		if strings.HasPrefix(raw, prefix) {
			s.renderIndex(w, http.StatusNotFound, indexData{Error: "Path not found."})
			return
		}
	}

	candidate := normalizeExternalURL(raw, r.URL.RawQuery)
	if candidate == "" {
		s.renderIndex(w, http.StatusBadRequest, indexData{Error: "Invalid URL.", URL: raw})
		return
	}

	record, err := s.manager.Enqueue(candidate, queue.DefaultPreset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.renderIndex(w, http.StatusOK, indexData{
		URL:      candidate,
		JobID:    record.ID,
		Feedback: "Download started, running in the background.",
	})
}

// normalizeExternalURL rebuilds a URL that arrived as a request path.
// Proxies and browsers collapse the scheme's double slash, so http:/ is
// repaired to http://, and the query string the server split off is glued
// back on.
func normalizeExternalURL(raw, rawQuery string) string {
	if raw == "" {
		return ""
	}
	candidate := raw
	if decoded, err := url.PathUnescape(raw); err == nil {
		candidate = decoded
	}
	if rawQuery != "" {
		sep := "?"
		if strings.Contains(candidate, "?") {
			sep = "&"
		}
		candidate += sep + rawQuery
	}

	if strings.HasPrefix(candidate, "http:/") && !strings.HasPrefix(candidate, "http://") {
		candidate = strings.Replace(candidate, "http:/", "http://", 1)
	}
	if strings.HasPrefix(candidate, "https:/") && !strings.HasPrefix(candidate, "https://") {
		candidate = strings.Replace(candidate, "https:/", "https://", 1)
	}

	if !isValidURL(candidate) {
		return ""
	}
	return candidate
}
