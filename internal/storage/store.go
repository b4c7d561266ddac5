package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gorm.io/gorm"
)

// ListOptions selects and orders a page of downloads.
type ListOptions struct {
	Page     int
	PerPage  int
	Status   string
	Query    string
	Sort     string
	Uploader string
}

var listSortColumns = map[string]string{
	"created_desc": "created_at DESC",
	"created_asc":  "created_at ASC",
	"title_asc":    "LOWER(COALESCE(title, '')) ASC, created_at DESC",
	"uploader_asc": "LOWER(COALESCE(uploader, '')) ASC, created_at DESC",
}

// ============= Download Lifecycle =============

// CreateDownload inserts a new queued download and returns the stored row.
func (s *Storage) CreateDownload(id, requestedURL, preset string) (*Download, error) {
	now := NowISO()
	row := Download{
		ID:              id,
		RequestedURL:    requestedURL,
		CanonicalURL:    String(requestedURL),
		Preset:          preset,
		Status:          StatusQueued,
		ProgressPercent: Float(0),
		DownloadedBytes: Int(0),
		AttemptCurrent:  0,
		AttemptMax:      1,
		CreatedAt:       now,
		QueuedAt:        String(now),
		UpdatedAt:       now,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to create download: %w", err)
	}
	return s.GetDownload(id)
}

// GetDownload retrieves a download by ID, returning nil when absent.
func (s *Storage) GetDownload(id string) (*Download, error) {
	var row Download
	err := s.DB.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByFilename retrieves the newest download whose media or thumbnail
// path matches filename, either exactly or as the final path segment.
func (s *Storage) GetByFilename(filename string) (*Download, error) {
	suffix := "%/" + filename
	var row Download
	err := s.DB.
		Where(
			"media_local_path = ? OR media_local_path LIKE ? OR thumbnail_local_path = ? OR thumbnail_local_path LIKE ?",
			filename, suffix, filename, suffix,
		).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// RecoverInterrupted fails every download left in 'downloading' by a
// previous process. Returns the number of rows recovered.
func (s *Storage) RecoverInterrupted() (int64, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("status = ?", StatusDownloading).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": "interrupted_by_restart",
			"failed_at":     now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// QueuedIDs returns up to limit queued download IDs, oldest first.
func (s *Storage) QueuedIDs(limit int) ([]string, error) {
	var ids []string
	err := s.DB.Model(&Download{}).
		Where("status = ?", StatusQueued).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ============= Guarded Transitions =============
//
// Each transition states its precondition inside the WHERE clause, so
// concurrent claims resolve in the database. A false return means the
// row was not in the required state.

// SetDownloading claims a queued or retrying download for an attempt.
// started_at is only stamped on the first attempt.
func (s *Storage) SetDownloading(id string, attemptCurrent, attemptMax int, runtimeProfile string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ? AND status IN ?", id, []string{StatusQueued, StatusRetrying}).
		Updates(map[string]interface{}{
			"status":              StatusDownloading,
			"started_at":          gorm.Expr("COALESCE(started_at, ?)", now),
			"attempt_current":     attemptCurrent,
			"attempt_max":         attemptMax,
			"runtime_profile":     runtimeProfile,
			"error_message":       nil,
			"last_exception_type": nil,
			"updated_at":          now,
		})
	return res.RowsAffected > 0, res.Error
}

// SetRetrying parks a downloading job between attempts so the next
// SetDownloading claim can succeed.
func (s *Storage) SetRetrying(id string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ? AND status = ?", id, StatusDownloading).
		Updates(map[string]interface{}{
			"status":     StatusRetrying,
			"updated_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// PauseQueued pauses a download that is still waiting in the queue.
func (s *Storage) PauseQueued(id string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]interface{}{
			"status":     StatusPaused,
			"paused_at":  now,
			"updated_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// ResumePaused re-queues a paused download and clears its pause residue.
func (s *Storage) ResumePaused(id string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ? AND status = ?", id, StatusPaused).
		Updates(map[string]interface{}{
			"status":        StatusQueued,
			"queued_at":     now,
			"paused_at":     nil,
			"error_message": nil,
			"eta_seconds":   nil,
			"speed_bps":     nil,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// RetryDownload re-queues a failed or paused download from scratch,
// resetting progress and widening the attempt budget by one.
func (s *Storage) RetryDownload(id string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ? AND status IN ?", id, []string{StatusFailed, StatusPaused}).
		Updates(map[string]interface{}{
			"status":              StatusQueued,
			"queued_at":           now,
			"paused_at":           nil,
			"failed_at":           nil,
			"completed_at":        nil,
			"error_message":       nil,
			"last_exception_type": nil,
			"progress_percent":    0,
			"downloaded_bytes":    0,
			"total_bytes":         nil,
			"speed_bps":           nil,
			"eta_seconds":         nil,
			"attempt_current":     0,
			"attempt_max":         gorm.Expr("attempt_max + 1"),
			"updated_at":          now,
		})
	return res.RowsAffected > 0, res.Error
}

// ============= Terminal Writers =============
//
// These run after the worker already owns the row, so they update
// unconditionally.

// SetPaused marks a download paused and records why.
func (s *Storage) SetPaused(id, message string) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        StatusPaused,
			"paused_at":     now,
			"error_message": message,
			"speed_bps":     nil,
			"eta_seconds":   nil,
			"updated_at":    now,
		})
	return res.RowsAffected > 0, res.Error
}

// SetFailed marks a download failed with its final error details.
func (s *Storage) SetFailed(id, message, exceptionType, runtimeProfile string, attemptCurrent, attemptMax int) (bool, error) {
	now := NowISO()
	res := s.DB.Model(&Download{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":              StatusFailed,
			"error_message":       message,
			"last_exception_type": exceptionType,
			"runtime_profile":     runtimeProfile,
			"attempt_current":     attemptCurrent,
			"attempt_max":         attemptMax,
			"failed_at":           now,
			"speed_bps":           nil,
			"eta_seconds":         nil,
			"updated_at":          now,
		})
	return res.RowsAffected > 0, res.Error
}

// SetCompleted marks a download completed and denormalizes the extractor
// info dict into the indexed metadata columns. The write only lands while
// the row is still downloading or retrying, so a pause or delete that raced
// the final flush wins.
func (s *Storage) SetCompleted(id, runtimeProfile string, attemptCurrent, attemptMax int, info map[string]interface{}, mediaLocalPath, thumbnailLocalPath *string) (bool, error) {
	if info == nil {
		info = map[string]interface{}{}
	}
	now := NowISO()

	// Prefer the extension of the file that actually landed on disk.
	var mediaExt interface{}
	if mediaLocalPath != nil {
		if ext := strings.TrimPrefix(filepath.Ext(*mediaLocalPath), "."); ext != "" {
			mediaExt = ext
		}
	}
	if mediaExt == nil {
		mediaExt = infoString(info, "ext")
	}

	res := s.DB.Model(&Download{}).
		Where("id = ? AND status IN ?", id, []string{StatusDownloading, StatusRetrying}).
		Updates(map[string]interface{}{
			"status":               StatusCompleted,
			"runtime_profile":      runtimeProfile,
			"attempt_current":      attemptCurrent,
			"attempt_max":          attemptMax,
			"webpage_url":          infoString(info, "webpage_url"),
			"extractor":            infoString(info, "extractor"),
			"extractor_key":        infoString(info, "extractor_key"),
			"video_id":             infoString(info, "id"),
			"title":                infoString(info, "title"),
			"uploader":             infoString(info, "uploader"),
			"uploader_id":          infoString(info, "uploader_id"),
			"channel":              infoString(info, "channel"),
			"channel_id":           infoString(info, "channel_id"),
			"duration_seconds":     infoNumber(info, "duration"),
			"upload_date":          infoString(info, "upload_date"),
			"thumbnail_remote_url": infoString(info, "thumbnail"),
			"thumbnail_local_path": strOrNil(thumbnailLocalPath),
			"media_local_path":     strOrNil(mediaLocalPath),
			"media_ext":            mediaExt,
			"progress_percent":     100,
			"speed_bps":            nil,
			"eta_seconds":          nil,
			"error_message":        nil,
			"last_exception_type":  nil,
			"metadata_json":        SanitizeJSON(info),
			"completed_at":         now,
			"updated_at":           now,
		})
	return res.RowsAffected > 0, res.Error
}

// UpdateProgress overwrites the five telemetry columns in one write.
// A nil argument stores NULL rather than keeping the old value.
func (s *Storage) UpdateProgress(id string, percent *float64, downloaded, total *int64, speed, eta *float64) (bool, error) {
	res := s.DB.Model(&Download{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress_percent": floatOrNil(percent),
			"downloaded_bytes": intOrNil(downloaded),
			"total_bytes":      intOrNil(total),
			"speed_bps":        floatOrNil(speed),
			"eta_seconds":      floatOrNil(eta),
			"updated_at":       NowISO(),
		})
	return res.RowsAffected > 0, res.Error
}

// ============= Attempt Log =============

// CreateAttempt opens a new attempt record and returns its ID.
func (s *Storage) CreateAttempt(downloadID string, attemptNo int, runtimeProfile string) (int64, error) {
	attempt := DownloadAttempt{
		DownloadID:     downloadID,
		AttemptNo:      attemptNo,
		RuntimeProfile: runtimeProfile,
		Status:         AttemptStarted,
		StartedAt:      NowISO(),
	}
	if err := s.DB.Create(&attempt).Error; err != nil {
		return 0, fmt.Errorf("failed to create attempt: %w", err)
	}
	return attempt.ID, nil
}

// FinalizeAttempt closes an attempt record with its outcome.
func (s *Storage) FinalizeAttempt(attemptID int64, status string, errorMessage, exceptionType *string) (bool, error) {
	res := s.DB.Model(&DownloadAttempt{}).
		Where("id = ?", attemptID).
		Updates(map[string]interface{}{
			"status":         status,
			"error_message":  strOrNil(errorMessage),
			"exception_type": strOrNil(exceptionType),
			"ended_at":       NowISO(),
		})
	return res.RowsAffected > 0, res.Error
}

// AttemptsForDownload returns the attempt log for a download, oldest first.
func (s *Storage) AttemptsForDownload(downloadID string) ([]DownloadAttempt, error) {
	var attempts []DownloadAttempt
	err := s.DB.
		Where("download_id = ?", downloadID).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

// ============= Deletion =============

// DeleteDownload removes a download and its attempts, returning a
// snapshot of the row as it was before deletion.
func (s *Storage) DeleteDownload(id string) (bool, *Download, error) {
	record, err := s.GetDownload(id)
	if err != nil {
		return false, nil, err
	}
	if record == nil {
		return false, nil, nil
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&DownloadAttempt{}, "download_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Download{}, "id = ?", id).Error
	})
	if err != nil {
		return false, nil, err
	}
	return true, record, nil
}

// ============= Queries =============

// CountByStatus returns the number of downloads in the given status.
func (s *Storage) CountByStatus(status string) (int64, error) {
	var count int64
	err := s.DB.Model(&Download{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// CountQueued returns the current queue depth.
func (s *Storage) CountQueued() (int64, error) {
	return s.CountByStatus(StatusQueued)
}

// ListDownloads returns one page of downloads plus the total match count.
func (s *Storage) ListDownloads(opts ListOptions) ([]Download, int64, error) {
	// The filter is a scope so count and page queries stay independent;
	// reusing one chained query would leak conditions between them.
	filter := func(db *gorm.DB) *gorm.DB {
		if opts.Status != "" {
			db = db.Where("status = ?", opts.Status)
		}
		if opts.Uploader != "" {
			db = db.Where("LOWER(COALESCE(uploader, '')) = LOWER(?)", opts.Uploader)
		}
		if opts.Query != "" {
			wildcard := "%" + strings.ToLower(opts.Query) + "%"
			db = db.Where(
				"(LOWER(COALESCE(title, '')) LIKE ? OR LOWER(COALESCE(uploader, '')) LIKE ? OR LOWER(COALESCE(video_id, '')) LIKE ?)",
				wildcard, wildcard, wildcard,
			)
		}
		return db
	}

	var total int64
	if err := s.DB.Model(&Download{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy, ok := listSortColumns[opts.Sort]
	if !ok {
		orderBy = listSortColumns["created_desc"]
	}

	var rows []Download
	err := s.DB.Scopes(filter).
		Order(orderBy).
		Limit(opts.PerPage).
		Offset((opts.Page - 1) * opts.PerPage).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// CheckReadWrite verifies the database accepts writes and reads by
// inserting and deleting a probe row.
func (s *Storage) CheckReadWrite() error {
	probe := probeRow{TS: NowISO()}
	if err := s.DB.Create(&probe).Error; err != nil {
		return fmt.Errorf("probe insert failed: %w", err)
	}
	if err := s.DB.Delete(&probeRow{}, "id = ?", probe.ID).Error; err != nil {
		return fmt.Errorf("probe delete failed: %w", err)
	}
	var one int
	if err := s.DB.Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("probe select failed: %w", err)
	}
	return nil
}

// ============= JSON Helpers =============

// SanitizeJSON serializes info, coercing unserializable leaves to their
// string form instead of dropping the whole payload.
func SanitizeJSON(info map[string]interface{}) string {
	if data, err := json.Marshal(info); err == nil {
		return string(data)
	}
	if data, err := json.Marshal(coerceValue(info)); err == nil {
		return string(data)
	}
	return "{}"
}

func coerceValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, item := range t {
			out[key] = coerceValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = coerceValue(item)
		}
		return out
	default:
		if _, err := json.Marshal(t); err != nil {
			return fmt.Sprint(t)
		}
		return t
	}
}

// infoString pulls a string field out of an extractor info dict,
// mapping absent or mistyped values to NULL.
func infoString(info map[string]interface{}, key string) interface{} {
	if v, ok := info[key].(string); ok {
		return v
	}
	return nil
}

// infoNumber pulls a numeric field out of an extractor info dict.
func infoNumber(info map[string]interface{}, key string) interface{} {
	switch v := info[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return nil
}

func strOrNil(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func floatOrNil(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intOrNil(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
