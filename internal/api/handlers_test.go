package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsperling/grabdeck/internal/config"
	"github.com/jsperling/grabdeck/internal/metrics"
	"github.com/jsperling/grabdeck/internal/queue"
	"github.com/jsperling/grabdeck/internal/storage"
	"github.com/jsperling/grabdeck/internal/ytdlp"
)

// stubRunner satisfies ytdlp.Runner for handler tests. Extraction is never
// exercised here since the manager's scheduler stays stopped.
type stubRunner struct {
	probeInfo map[string]interface{}
	probeErr  error
}

func (r *stubRunner) Extract(ctx context.Context, jobURL string, opts ytdlp.Options, hook ytdlp.ProgressFunc) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (r *stubRunner) Probe(ctx context.Context, probeURL string) (map[string]interface{}, error) {
	if r.probeErr != nil {
		return nil, r.probeErr
	}
	if r.probeInfo != nil {
		return r.probeInfo, nil
	}
	return map[string]interface{}{}, nil
}

func (r *stubRunner) Version(ctx context.Context) (string, error) {
	return "2025.08.22", nil
}

func newTestServer(t *testing.T) (*Server, *storage.Storage, *stubRunner, string) {
	t.Helper()

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := t.TempDir()
	settings := &config.Settings{
		BaseDownloadDir:        base,
		HTTPAddr:               "127.0.0.1:0",
		MaxConcurrentDownloads: 2,
		ProgressFlushInterval:  100 * time.Millisecond,
		YtdlpPath:              "yt-dlp",
	}
	recorder := metrics.NewRecorder()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &stubRunner{}
	manager := queue.NewManager(store, recorder, runner, log, settings)

	return NewServer(store, manager, recorder, runner, log, settings), store, runner, base
}

func doRequest(t *testing.T, s *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func seedCompleted(t *testing.T, store *storage.Storage, id, title, uploader, media string) {
	t.Helper()
	_, err := store.CreateDownload(id, "https://example.com/watch?v="+id, "best")
	require.NoError(t, err)
	ok, err := store.SetDownloading(id, 1, 1, storage.ProfilePrimary)
	require.NoError(t, err)
	require.True(t, ok)

	info := map[string]interface{}{
		"title":       title,
		"uploader":    uploader,
		"id":          id,
		"ext":         "mp4",
		"webpage_url": "https://example.com/watch?v=" + id,
	}
	var mediaPtr *string
	if media != "" {
		mediaPtr = &media
	}
	ok, err = store.SetCompleted(id, storage.ProfilePrimary, 1, 1, info, mediaPtr, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubmitDownload(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {"https://example.com/watch?v=abc"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "best", body["preset"], "omitted preset falls back to the default")
	assert.Equal(t, "queued", body["status"])

	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	row, err := store.GetDownload(jobID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "https://example.com/watch?v=abc", row.RequestedURL)

	statusRec := doRequest(t, s, http.MethodGet, "/api/status/"+jobID, nil)
	require.Equal(t, http.StatusOK, statusRec.Code)
	statusBody := decodeBody(t, statusRec)
	job, ok := statusBody["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, jobID, job["id"])
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, "best", job["preset"])
}

func TestSubmitDownloadValidation(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	tests := []struct {
		name    string
		u       string
		preset  string
		wantErr string
	}{
		{"missing url", "", "best", "invalid_url"},
		{"non http scheme", "ftp://example.com/clip", "best", "invalid_url"},
		{"bare hostname", "example.com/clip", "best", "invalid_url"},
		{"unknown preset", "https://example.com/clip", "mp3_320", "invalid_preset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {tt.u}, "preset": {tt.preset}})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}

	t.Run("explicit preset accepted", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {"https://example.com/clip"}, "preset": {"audio_only"}})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "audio_only", decodeBody(t, rec)["preset"])
	})
}

func TestJobStatusNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/status/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "not_found", body["error"])
}

func TestListJobs(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	t.Run("empty list yields an array", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/jobs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"items":[]`)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 0, body["total"])
		assert.EqualValues(t, 0, body["pages"])
	})

	for _, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {u}})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	t.Run("pagination", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/jobs?per_page=2&page=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		items, ok := body["items"].([]interface{})
		require.True(t, ok)
		assert.Len(t, items, 2)
		assert.EqualValues(t, 3, body["total"])
		assert.EqualValues(t, 2, body["pages"])
		assert.EqualValues(t, 2, body["per_page"])

		rec = doRequest(t, s, http.MethodGet, "/api/jobs?per_page=2&page=2", nil)
		body = decodeBody(t, rec)
		items, ok = body["items"].([]interface{})
		require.True(t, ok)
		assert.Len(t, items, 1)
	})

	t.Run("bounds are clamped", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/jobs?per_page=9999&page=0", nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 100, body["per_page"])
		assert.EqualValues(t, 1, body["page"])
	})

	t.Run("status filter", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/jobs?status=completed", nil)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 0, body["total"])
	})
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {"https://example.com/watch?v=rt"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = doRequest(t, s, http.MethodPost, "/api/jobs/"+jobID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "paused", body["state"])
	job := body["job"].(map[string]interface{})
	assert.Equal(t, "paused", job["status"])

	rec = doRequest(t, s, http.MethodPost, "/api/jobs/"+jobID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "queued", body["state"])

	row, err := store.GetDownload(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, row.Status)
	assert.Nil(t, row.PausedAt)

	// Resuming a job that is already queued conflicts.
	rec = doRequest(t, s, http.MethodPost, "/api/jobs/"+jobID+"/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "invalid_state", body["error"])
}

func TestControlUnknownJob(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	for _, op := range []string{"pause", "resume", "retry"} {
		t.Run(op, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/jobs/ghost/"+op, nil)
			require.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
		})
	}
}

func TestRetryAfterFailure(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	record, err := store.CreateDownload("retry-me", "https://example.com/watch?v=rf", "best")
	require.NoError(t, err)
	ok, err := store.SetDownloading(record.ID, 1, 1, storage.ProfilePrimary)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.SetFailed(record.ID, "HTTP Error 403: Forbidden", "DownloadError", storage.ProfilePrimary, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	rec := doRequest(t, s, http.MethodPost, "/api/jobs/retry-me/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["state"])
	job := body["job"].(map[string]interface{})
	assert.Equal(t, "queued", job["status"])
	assert.EqualValues(t, 2, job["attempt_max"], "retry grants one more attempt")
	assert.EqualValues(t, 0, job["progress_percent"])
	assert.Nil(t, job["error_message"])
}

func TestDeleteJob(t *testing.T) {
	s, store, _, base := newTestServer(t)

	media := "Keeper [del1].mp4"
	seedCompleted(t, store, "del1", "Keeper", "Chan", media)
	require.NoError(t, os.WriteFile(filepath.Join(base, media), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "Keeper [del1].info.json"), []byte("{}"), 0o644))

	rec := doRequest(t, s, http.MethodDelete, "/api/jobs/del1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "deleted", body["state"])

	row, err := store.GetDownload("del1")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoFileExists(t, filepath.Join(base, media))
	assert.NoFileExists(t, filepath.Join(base, "Keeper [del1].info.json"))

	rec = doRequest(t, s, http.MethodDelete, "/api/jobs/del1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
}

func TestLegacyDeleteByJobID(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {"https://example.com/watch?v=ld"}})
	jobID := decodeBody(t, rec)["job_id"].(string)

	rec = doRequest(t, s, http.MethodPost, "/delete", url.Values{"job_id": {jobID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])

	row, err := store.GetDownload(jobID)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestLegacyDeleteByFilename(t *testing.T) {
	s, store, _, base := newTestServer(t)

	media := "Video One [aaa].mp4"
	seedCompleted(t, store, "aaa", "Video One", "Chan", media)
	require.NoError(t, os.WriteFile(filepath.Join(base, media), []byte("payload"), 0o644))

	t.Run("missing filename", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/delete", url.Values{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No filename", decodeBody(t, rec)["error"])
	})

	t.Run("unknown filename", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/delete", url.Values{"filename": {"nope.mp4"}})
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "File not found", decodeBody(t, rec)["error"])
	})

	t.Run("deletes row and file", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/delete", url.Values{"filename": {media}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["ok"])

		row, err := store.GetDownload("aaa")
		require.NoError(t, err)
		assert.Nil(t, row)
		assert.NoFileExists(t, filepath.Join(base, media))
	})
}

func TestLegacyDeleteRejectsTraversal(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	for _, filename := range []string{"../../etc/passwd", "sub/clip.mp4", `sub\clip.mp4`, "..", "a..b/../c"} {
		t.Run(filename, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/delete", url.Values{"filename": {filename}})
			require.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "Invalid filename", decodeBody(t, rec)["error"])
		})
	}
}

func TestServeFile(t *testing.T) {
	s, _, _, base := newTestServer(t)

	require.NoError(t, os.WriteFile(filepath.Join(base, "clip.mp4"), []byte("media-bytes"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "channel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "channel", "nested.mp4"), []byte("nested-bytes"), 0o644))

	t.Run("serves a stored file", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/files/clip.mp4", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "media-bytes", rec.Body.String())
	})

	t.Run("serves nested paths", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/files/channel/nested.mp4", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nested-bytes", rec.Body.String())
	})

	t.Run("missing file", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/files/ghost.mp4", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("traversal is forbidden", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/files/../../etc/passwd", nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestGallery(t *testing.T) {
	s, store, _, _ := newTestServer(t)

	seedCompleted(t, store, "g1", "Alpha", "Chan A", "Alpha [g1].mp4")
	seedCompleted(t, store, "g2", "Bravo", "Chan B", "Bravo [g2].mp4")
	seedCompleted(t, store, "g3", "Charlie", "Chan C", "Charlie [g3].mp4")
	_, err := store.CreateDownload("g4", "https://example.com/watch?v=g4", "best")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/gallery?sort=title_asc&per_page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	page1 := rec.Body.String()
	assert.Contains(t, page1, "Alpha")
	assert.Contains(t, page1, "Bravo")
	assert.NotContains(t, page1, "Charlie")
	assert.NotContains(t, page1, "watch?v=g4", "queued jobs stay out of the completed gallery")

	rec = doRequest(t, s, http.MethodGet, "/gallery?sort=title_asc&per_page=2&page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page2 := rec.Body.String()
	assert.Contains(t, page2, "Charlie")
	assert.NotContains(t, page2, "Alpha")
}

func TestIndexPage(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	page := rec.Body.String()
	assert.Contains(t, page, `action="/download"`)
	assert.Contains(t, page, `name="preset"`)
	assert.Contains(t, page, "Best 1080p")

	rec = doRequest(t, s, http.MethodGet, "/?u=https://example.com/prefill", nil)
	assert.Contains(t, rec.Body.String(), `value="https://example.com/prefill"`)
}

func TestCatchAll(t *testing.T) {
	t.Run("pasted url is repaired and enqueued", func(t *testing.T) {
		s, store, _, _ := newTestServer(t)

		rec := doRequest(t, s, http.MethodGet, "/https:/example.com/watch?v=zzz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Download started")

		items, total, err := store.ListDownloads(storage.ListOptions{Page: 1, PerPage: 10})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		assert.Equal(t, "https://example.com/watch?v=zzz", items[0].RequestedURL)
		assert.Equal(t, "best", items[0].Preset)
	})

	t.Run("reserved prefixes are not urls", func(t *testing.T) {
		s, store, _, _ := newTestServer(t)

		rec := doRequest(t, s, http.MethodGet, "/api/unknown", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "Path not found.")

		_, total, err := store.ListDownloads(storage.ListOptions{Page: 1, PerPage: 10})
		require.NoError(t, err)
		assert.EqualValues(t, 0, total)
	})

	t.Run("garbage path renders an error", func(t *testing.T) {
		s, _, _, _ := newTestServer(t)

		rec := doRequest(t, s, http.MethodGet, "/notaurl", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid URL.")
	})

	t.Run("non get is rejected", func(t *testing.T) {
		s, _, _, _ := newTestServer(t)

		rec := doRequest(t, s, http.MethodPost, "/unknown", url.Values{})
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestNormalizeExternalURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		rawQuery string
		want     string
	}{
		{"collapsed https", "https:/example.com/watch", "v=1", "https://example.com/watch?v=1"},
		{"collapsed http", "http:/example.com/clip", "", "http://example.com/clip"},
		{"intact scheme", "https://example.com/clip", "", "https://example.com/clip"},
		{"query appended to existing", "https://example.com/watch?v=1", "t=2", "https://example.com/watch?v=1&t=2"},
		{"percent encoded", "https%3A%2F%2Fexample.com%2Fclip", "", "https://example.com/clip"},
		{"not a url", "gallery2", "", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeExternalURL(tt.raw, tt.rawQuery))
		})
	}
}

func TestPresetsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/presets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "best", body["default"])

	presets, ok := body["presets"].([]interface{})
	require.True(t, ok)
	require.Len(t, presets, 3)
	first := presets[0].(map[string]interface{})
	assert.Equal(t, "best", first["id"])
	assert.Equal(t, "Best", first["label"])
	_, leaked := first["format"]
	assert.False(t, leaked, "format selectors stay server side")
}

func TestProbeEndpoint(t *testing.T) {
	s, _, runner, _ := newTestServer(t)

	t.Run("invalid url", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/probe?u=notaurl", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_url", decodeBody(t, rec)["error"])
	})

	t.Run("success", func(t *testing.T) {
		runner.probeInfo = map[string]interface{}{
			"title":    "Some Video",
			"ext":      "mp4",
			"id":       "abc123",
			"uploader": "Chan",
		}
		rec := doRequest(t, s, http.MethodGet, "/api/probe?u=https://example.com/watch", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, "Some Video", body["title"])
		assert.Equal(t, "mp4", body["ext"])
		assert.Equal(t, "abc123", body["id"])
		assert.Equal(t, "Chan", body["uploader"])
	})

	t.Run("extractor failure", func(t *testing.T) {
		runner.probeErr = errors.New("probe boom")
		rec := doRequest(t, s, http.MethodGet, "/api/probe?u=https://example.com/watch", nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["ok"])
		assert.Equal(t, "probe boom", body["error"])
	})
}

func TestReadyz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s, _, _, _ := newTestServer(t)

		rec := doRequest(t, s, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["ok"])

		checks := body["checks"].(map[string]interface{})
		assert.Equal(t, true, checks["db"])
		assert.Equal(t, true, checks["download_dir_writable"])
		assert.Equal(t, true, checks["disk_ok"])
		assert.NotNil(t, checks["disk_free_mb"])
		assert.EqualValues(t, 0, checks["required_min_disk_free_mb"])
	})

	t.Run("database down", func(t *testing.T) {
		s, store, _, _ := newTestServer(t)
		require.NoError(t, store.Close())

		rec := doRequest(t, s, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, false, body["ok"])

		checks := body["checks"].(map[string]interface{})
		assert.Equal(t, false, checks["db"])
		assert.NotEmpty(t, checks["db_error"])
	})
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/download", url.Values{"u": {"https://example.com/watch?v=m"}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scrape := rec.Body.String()
	assert.Contains(t, scrape, `downloader_jobs_queued_total{preset="best"} 1`)
	assert.Contains(t, scrape, `http_requests_total{method="POST",route="/download",status="202"} 1`)
	assert.Contains(t, scrape, "downloader_active_jobs 0")
	assert.Contains(t, scrape, "http_request_duration_seconds_bucket")
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doRequest(t, s, http.MethodGet, "/api/jobs", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
