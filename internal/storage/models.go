package storage

import (
	"encoding/json"

	"gorm.io/gorm"
)

// Download status values. Transitions between them are guarded by the
// conditional updates in store.go.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusRetrying    = "retrying"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusPaused      = "paused"
)

// Runtime profiles for an extraction attempt.
const (
	ProfilePrimary  = "primary"
	ProfileFallback = "fallback"
)

// Attempt status values (append-only log, one row per extractor run).
const (
	AttemptStarted   = "started"
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptPaused    = "paused"
)

// Download represents one URL submission tracked end-to-end.
// Nullable columns are pointers so JSON output distinguishes null from zero.
// Timestamps are fixed-width UTC ISO-8601 strings (see NowISO) so that
// lexicographic ordering in SQL equals chronological ordering.
type Download struct {
	ID           string  `gorm:"primaryKey" json:"id"`
	RequestedURL string  `gorm:"not null" json:"requested_url"`
	CanonicalURL *string `json:"canonical_url"`

	// Identity derived from the extractor info dict on completion.
	WebpageURL         *string  `json:"webpage_url"`
	Extractor          *string  `json:"extractor"`
	ExtractorKey       *string  `json:"extractor_key"`
	VideoID            *string  `gorm:"index:idx_downloads_video_id" json:"video_id"`
	Title              *string  `gorm:"index:idx_downloads_title" json:"title"`
	Uploader           *string  `gorm:"index:idx_downloads_uploader" json:"uploader"`
	UploaderID         *string  `json:"uploader_id"`
	Channel            *string  `json:"channel"`
	ChannelID          *string  `json:"channel_id"`
	DurationSeconds    *float64 `json:"duration_seconds"`
	UploadDate         *string  `json:"upload_date"`
	ThumbnailRemoteURL *string  `json:"thumbnail_remote_url"`

	// Local artifacts, stored relative to the storage root.
	ThumbnailLocalPath *string `json:"thumbnail_local_path"`
	MediaLocalPath     *string `json:"media_local_path"`
	MediaExt           *string `json:"media_ext"`

	Preset string `gorm:"not null" json:"preset"`
	Status string `gorm:"not null;index:idx_downloads_status_created,priority:1" json:"status"`

	// Progress telemetry, written by the worker's progress hook.
	ProgressPercent *float64 `json:"progress_percent"`
	DownloadedBytes *int64   `json:"downloaded_bytes"`
	TotalBytes      *int64   `json:"total_bytes"`
	SpeedBPS        *float64 `gorm:"column:speed_bps" json:"speed_bps"`
	ETASeconds      *float64 `gorm:"column:eta_seconds" json:"eta_seconds"`

	// Attempt bookkeeping.
	RuntimeProfile    *string `json:"runtime_profile"`
	AttemptCurrent    int     `gorm:"not null;default:0" json:"attempt_current"`
	AttemptMax        int     `gorm:"not null;default:1" json:"attempt_max"`
	LastExceptionType *string `json:"last_exception_type"`
	ErrorMessage      *string `json:"error_message"`

	// Full extractor info dict, serialised for forensic inspection.
	MetadataJSON *string `json:"metadata_json"`

	CreatedAt   string  `gorm:"not null;index:idx_downloads_status_created,priority:2,sort:desc" json:"created_at"`
	QueuedAt    *string `json:"queued_at"`
	StartedAt   *string `json:"started_at"`
	PausedAt    *string `json:"paused_at"`
	CompletedAt *string `gorm:"index:idx_downloads_completed_at,sort:desc" json:"completed_at"`
	FailedAt    *string `json:"failed_at"`
	UpdatedAt   string  `gorm:"not null" json:"updated_at"`

	// Metadata is the parsed metadata_json blob, attached on reads.
	Metadata json.RawMessage `gorm:"-" json:"metadata"`

	Attempts []DownloadAttempt `gorm:"foreignKey:DownloadID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Download
func (Download) TableName() string {
	return "downloads"
}

// AfterFind attaches the parsed metadata blob after every read.
func (d *Download) AfterFind(tx *gorm.DB) error {
	d.Metadata = nil
	if d.MetadataJSON != nil && json.Valid([]byte(*d.MetadataJSON)) {
		d.Metadata = json.RawMessage(*d.MetadataJSON)
	}
	return nil
}

// DownloadAttempt is one extractor run for a download under a given
// runtime profile.
type DownloadAttempt struct {
	ID             int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	DownloadID     string  `gorm:"not null;index:idx_attempts_download_id" json:"download_id"`
	AttemptNo      int     `gorm:"not null" json:"attempt_no"`
	RuntimeProfile string  `json:"runtime_profile"`
	Status         string  `gorm:"not null" json:"status"`
	ErrorMessage   *string `json:"error_message"`
	ExceptionType  *string `json:"exception_type"`
	StartedAt      string  `json:"started_at"`
	EndedAt        *string `json:"ended_at"`
}

// TableName specifies the table name for DownloadAttempt
func (DownloadAttempt) TableName() string {
	return "download_attempts"
}

// probeRow backs the readiness probe's write check.
type probeRow struct {
	ID int64  `gorm:"primaryKey;autoIncrement"`
	TS string `gorm:"not null"`
}

func (probeRow) TableName() string {
	return "_readyz_probe"
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
