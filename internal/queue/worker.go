package queue

import (
	"context"
	"errors"
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jsperling/grabdeck/internal/storage"
	"github.com/jsperling/grabdeck/internal/ytdlp"
)

// retryableErrorTokens mark transient extractor failures worth a second
// attempt on the fallback player profile. Matched case-insensitively.
var retryableErrorTokens = []string{
	"403",
	"forbidden",
	"sabr",
	"missing a url",
	"unable to download video data",
}

// runWorker drives one job through its attempt ladder: primary profile
// first, then the fallback profile for YouTube URLs when enabled. Each
// attempt needs a fresh claim on the row, so state changed behind the
// worker's back (pause, delete) ends the ladder.
func (m *Manager) runWorker(id string, cancel *cancelSignal) {
	started := time.Now()

	download, err := m.store.GetDownload(id)
	if err != nil {
		m.logger.Error("job_claim_failed", "job_id", id, "error", err)
		return
	}
	if download == nil {
		return
	}

	preset := download.Preset
	if preset == "" {
		preset = DefaultPreset
	}
	jobURL := download.RequestedURL
	if jobURL == "" {
		return
	}

	profiles := []string{storage.ProfilePrimary}
	if m.settings.EnableYoutubeFallback && IsYoutubeURL(jobURL) {
		profiles = append(profiles, storage.ProfileFallback)
	}
	attemptMax := len(profiles)

	for i, profile := range profiles {
		attemptNo := i + 1

		// A pause that landed between scheduling and claiming.
		if cancel.IsSet() {
			if _, err := m.store.SetPaused(id, "paused_by_user"); err != nil {
				m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
			}
			m.recorder.MarkPaused()
			m.recorder.ObserveDuration(preset, "paused", time.Since(started))
			return
		}

		claimed, err := m.store.SetDownloading(id, attemptNo, attemptMax, profile)
		if err != nil {
			m.logger.Error("job_claim_failed", "job_id", id, "error", err)
			return
		}
		if !claimed {
			current, err := m.store.GetDownload(id)
			if err == nil && current != nil && current.Status == storage.StatusPaused {
				m.recorder.ObserveDuration(preset, "paused", time.Since(started))
			}
			return
		}

		m.recorder.MarkStarted(preset)
		attemptID, err := m.store.CreateAttempt(id, attemptNo, profile)
		if err != nil {
			m.logger.Error("attempt_create_failed", "job_id", id, "error", err)
		}

		info, extractErr := m.extractWithProgress(id, jobURL, preset, attemptNo, attemptMax, profile, cancel)
		if extractErr == nil {
			mediaPath := m.resolveMediaPath(info)
			thumbPath := m.resolveThumbnailPath(mediaPath)
			applied, err := m.store.SetCompleted(id, profile, attemptNo, attemptMax, info, mediaPath, thumbPath)
			if err != nil {
				m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
				return
			}
			if _, err := m.store.FinalizeAttempt(attemptID, storage.AttemptCompleted, nil, nil); err != nil {
				m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
			}
			if !applied {
				// A pause or delete raced the final flush; that state wins.
				return
			}
			m.recorder.MarkCompleted(preset)
			m.recorder.ObserveDuration(preset, "completed", time.Since(started))
			m.logger.Info("job_completed",
				"job_id", id,
				"preset", preset,
				"attempt", attemptNo,
				"runtime_profile", profile)
			return
		}

		if errors.Is(extractErr, ErrPauseRequested) {
			if _, err := m.store.SetPaused(id, "paused_by_user"); err != nil {
				m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
			}
			message := "paused_by_user"
			exceptionType := "PauseRequestedError"
			if _, err := m.store.FinalizeAttempt(attemptID, storage.AttemptPaused, &message, &exceptionType); err != nil {
				m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
			}
			m.recorder.MarkPaused()
			m.recorder.ObserveDuration(preset, "paused", time.Since(started))
			m.logger.Info("job_paused", "job_id", id, "preset", preset)
			return
		}

		exceptionType, message := errorDetails(extractErr)
		if _, err := m.store.FinalizeAttempt(attemptID, storage.AttemptFailed, &message, &exceptionType); err != nil {
			m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
		}

		if isRetryable(message, profile, attemptNo, attemptMax) {
			if _, err := m.store.SetRetrying(id); err != nil {
				m.logger.Warn("job_retry_transition_failed", "job_id", id, "error", err)
			}
			continue
		}

		if _, err := m.store.SetFailed(id, message, exceptionType, profile, attemptNo, attemptMax); err != nil {
			m.logger.Error("job_finalize_failed", "job_id", id, "error", err)
		}
		m.recorder.MarkFailed(failureReason(message))
		m.recorder.ObserveDuration(preset, "failed", time.Since(started))
		m.logger.Error("job_failed",
			"job_id", id,
			"preset", preset,
			"attempt", attemptNo,
			"runtime_profile", profile,
			"error_type", exceptionType)
		return
	}
}

// extractWithProgress runs one yt-dlp attempt and streams its progress into
// the job row. Telemetry writes are rate limited to the configured flush
// interval; the first callback and the terminal "finished" event always
// land.
func (m *Manager) extractWithProgress(id, jobURL, preset string, attemptNo, attemptMax int, runtimeProfile string, cancel *cancelSignal) (map[string]interface{}, error) {
	limiter := rate.NewLimiter(rate.Every(m.settings.ProgressFlushInterval), 1)
	var lastBytes int64

	hook := func(u ytdlp.ProgressUpdate) error {
		if cancel.IsSet() {
			return ErrPauseRequested
		}
		if u.Status != "downloading" && u.Status != "finished" {
			return nil
		}

		var downloaded int64
		if u.DownloadedBytes != nil {
			downloaded = int64(*u.DownloadedBytes)
		}
		var total *int64
		for _, raw := range []*float64{u.TotalBytes, u.TotalBytesEstimate} {
			if raw != nil && *raw > 0 {
				v := int64(*raw)
				total = &v
				break
			}
		}
		var speed *float64
		if u.Speed != nil && *u.Speed != 0 {
			v := *u.Speed
			speed = &v
		}
		var eta *float64
		if u.ETA != nil {
			v := math.Trunc(*u.ETA)
			eta = &v
		}

		if u.Status == "finished" {
			hundred := 100.0
			finalTotal := downloaded
			if total != nil {
				finalTotal = *total
			}
			zeroETA := 0.0
			if _, err := m.store.UpdateProgress(id, &hundred, &downloaded, &finalTotal, nil, &zeroETA); err != nil {
				return err
			}
			if delta := downloaded - lastBytes; delta > 0 {
				m.recorder.AddDownloadedBytes(delta)
			}
			lastBytes = downloaded
			return nil
		}

		if !limiter.Allow() {
			return nil
		}

		var percent *float64
		if total != nil && *total > 0 {
			v := math.Round(float64(downloaded)/float64(*total)*10000) / 100
			percent = &v
		}
		if _, err := m.store.UpdateProgress(id, percent, &downloaded, total, speed, eta); err != nil {
			return err
		}
		if delta := downloaded - lastBytes; delta > 0 {
			m.recorder.AddDownloadedBytes(delta)
		}
		lastBytes = downloaded

		m.logger.Info("job_progress",
			"job_id", id,
			"attempt", attemptNo,
			"attempt_max", attemptMax,
			"runtime_profile", runtimeProfile,
			"downloaded_bytes", downloaded,
			"total_bytes", total,
			"speed_bps", speed,
			"eta_seconds", eta)
		return nil
	}

	info, err := m.runner.Extract(context.Background(), jobURL, m.buildOptions(jobURL, preset, runtimeProfile), hook)
	if err != nil {
		return nil, err
	}
	return unwrapPlaylist(info), nil
}

func (m *Manager) buildOptions(jobURL, preset, runtimeProfile string) ytdlp.Options {
	p, ok := PresetByID(preset)
	if !ok {
		p, _ = PresetByID(DefaultPreset)
	}

	opts := ytdlp.Options{
		OutputTemplate:      filepath.Join(m.settings.BaseDownloadDir, "%(title).200B [%(id)s].%(ext)s"),
		Format:              p.Format,
		RestrictFilenames:   true,
		WriteThumbnail:      true,
		WriteInfoJSON:       true,
		Retries:             3,
		ConcurrentFragments: 5,
		JSRuntime:           m.settings.JSRuntime,
		JSRuntimePath:       m.settings.JSRuntimePath,
		FFmpegLocation:      m.settings.FFmpegPath,
	}

	if p.AudioOnly {
		opts.AudioOnly = true
		opts.AudioFormat = p.AudioFormat
	} else {
		opts.MergeOutputFormat = "mp4"
	}

	// The fallback profile works around SABR-gated formats on YouTube by
	// impersonating alternative player clients.
	if IsYoutubeURL(jobURL) && runtimeProfile == storage.ProfileFallback {
		opts.ExtractorArgs = []string{"youtube:player_client=android_vr,android,ios,tv"}
	}
	return opts
}

// unwrapPlaylist returns the first entry when the extractor handed back a
// playlist wrapper instead of a single video.
func unwrapPlaylist(info map[string]interface{}) map[string]interface{} {
	if info == nil {
		return map[string]interface{}{}
	}
	if kind, _ := info["_type"].(string); kind != "playlist" {
		return info
	}
	entries, _ := info["entries"].([]interface{})
	if len(entries) == 0 {
		return info
	}
	if first, ok := entries[0].(map[string]interface{}); ok {
		return first
	}
	return info
}

func errorDetails(err error) (exceptionType, message string) {
	var extractErr *ytdlp.ExtractError
	if errors.As(err, &extractErr) {
		return extractErr.ExceptionType, extractErr.Message
	}
	return "UnexpectedError", err.Error()
}

func isRetryable(message, runtimeProfile string, attemptNo, attemptMax int) bool {
	if runtimeProfile != storage.ProfilePrimary || attemptNo >= attemptMax {
		return false
	}
	lowered := strings.ToLower(message)
	for _, token := range retryableErrorTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// failureReason buckets an error message into a metrics label.
func failureReason(message string) string {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "403"), strings.Contains(lowered, "forbidden"):
		return "forbidden"
	case strings.Contains(lowered, "network"):
		return "network"
	case strings.Contains(lowered, "not available"):
		return "unavailable"
	default:
		return "other"
	}
}

// IsYoutubeURL reports whether the URL points at YouTube, which decides
// fallback eligibility.
func IsYoutubeURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.Contains(host, "youtube.com") || strings.Contains(host, "youtu.be")
}
