package api

import (
	"embed"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jsperling/grabdeck/internal/queue"
	"github.com/jsperling/grabdeck/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

var views = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type indexData struct {
	URL           string
	JobID         string
	Error         string
	Feedback      string
	Presets       []queue.Preset
	DefaultPreset string
}

type galleryVideo struct {
	ID          string
	Filename    string
	MediaPath   string
	Title       string
	Uploader    string
	Thumbnail   string
	OriginalURL string
	Status      string
	CreatedAt   string
	SizeLabel   string
}

type galleryData struct {
	Videos   []galleryVideo
	Page     int
	PerPage  int
	Pages    int64
	Total    int64
	Query    string
	Sort     string
	Uploader string
	Status   string
	HasPrev  bool
	HasNext  bool
	PrevPage int
	NextPage int
}

func (s *Server) renderIndex(w http.ResponseWriter, status int, data indexData) {
	data.Presets = queue.Presets
	data.DefaultPreset = queue.DefaultPreset
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := views.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("template_render_failed", "template", "index.html", "error", err.Error())
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, http.StatusOK, indexData{URL: strings.TrimSpace(r.URL.Query().Get("u"))})
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseBoundedInt(q.Get("page"), 1, 1, 100000)
	perPage := parseBoundedInt(q.Get("per_page"), 24, 1, 100)
	search := strings.TrimSpace(q.Get("q"))
	uploader := strings.TrimSpace(q.Get("uploader"))
	sort := strings.TrimSpace(q.Get("sort"))
	if sort == "" {
		sort = "created_desc"
	}
	status := strings.TrimSpace(q.Get("status"))
	if status == "" {
		status = storage.StatusCompleted
	}

	items, total, err := s.store.ListDownloads(storage.ListOptions{
		Page:     page,
		PerPage:  perPage,
		Status:   status,
		Query:    search,
		Sort:     sort,
		Uploader: uploader,
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	videos := make([]galleryVideo, 0, len(items))
	for i := range items {
		videos = append(videos, galleryVideoFrom(&items[i]))
	}

	pages := pageCount(total, perPage)
	data := galleryData{
		Videos:   videos,
		Page:     page,
		PerPage:  perPage,
		Pages:    pages,
		Total:    total,
		Query:    search,
		Sort:     sort,
		Uploader: uploader,
		Status:   status,
		HasPrev:  page > 1,
		HasNext:  int64(page) < pages,
		PrevPage: page - 1,
		NextPage: page + 1,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.ExecuteTemplate(w, "gallery.html", data); err != nil {
		s.logger.Error("template_render_failed", "template", "gallery.html", "error", err.Error())
	}
}

func galleryVideoFrom(row *storage.Download) galleryVideo {
	video := galleryVideo{
		ID:          row.ID,
		Title:       row.RequestedURL,
		Uploader:    "Unknown",
		OriginalURL: row.RequestedURL,
		Status:      row.Status,
	}
	if row.VideoID != nil && *row.VideoID != "" {
		video.Title = *row.VideoID
	}
	if row.Title != nil && *row.Title != "" {
		video.Title = *row.Title
	}
	if row.Uploader != nil && *row.Uploader != "" {
		video.Uploader = *row.Uploader
	}
	if row.WebpageURL != nil && *row.WebpageURL != "" {
		video.OriginalURL = *row.WebpageURL
	}
	if row.MediaLocalPath != nil && *row.MediaLocalPath != "" {
		video.MediaPath = *row.MediaLocalPath
		video.Filename = filepath.Base(*row.MediaLocalPath)
	}
	if row.ThumbnailLocalPath != nil && *row.ThumbnailLocalPath != "" {
		video.Thumbnail = *row.ThumbnailLocalPath
	}
	video.CreatedAt = row.CreatedAt
	if row.DownloadedBytes != nil && *row.DownloadedBytes > 0 {
		video.SizeLabel = humanize.IBytes(uint64(*row.DownloadedBytes))
	}
	return video
}
