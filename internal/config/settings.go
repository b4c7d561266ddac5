package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultBaseDownloadDir        = "/tmp/grabdeck-data"
	DefaultDatabaseFile           = "downloader.db"
	DefaultHTTPAddr               = ":8000"
	DefaultMaxConcurrentDownloads = 4
	DefaultMinFreeDiskMB          = 512
	DefaultProgressFlushMS        = 750
	DefaultYtdlpBinary            = "yt-dlp"
	DefaultJSRuntime              = "node"
	DefaultJSRuntimePath          = "/usr/bin/node"
)

// Settings holds the runtime configuration resolved from the environment.
type Settings struct {
	BaseDownloadDir        string
	SQLitePath             string
	HTTPAddr               string
	MaxConcurrentDownloads int
	MinFreeDiskMB          int
	ProgressFlushInterval  time.Duration
	LogLevel               string

	YtdlpPath             string
	JSRuntime             string
	JSRuntimePath         string
	FFmpegPath            string
	EnableYoutubeFallback bool
}

// Load reads all settings from the environment, applying defaults and bounds.
func Load() *Settings {
	baseDir := envString("BASE_DOWNLOAD_DIR", DefaultBaseDownloadDir)

	return &Settings{
		BaseDownloadDir:        baseDir,
		SQLitePath:             envString("SQLITE_PATH", filepath.Join(baseDir, DefaultDatabaseFile)),
		HTTPAddr:               envString("HTTP_ADDR", DefaultHTTPAddr),
		MaxConcurrentDownloads: envInt("MAX_CONCURRENT_DOWNLOADS", DefaultMaxConcurrentDownloads, 1),
		MinFreeDiskMB:          envInt("MIN_FREE_DISK_MB", DefaultMinFreeDiskMB, 0),
		ProgressFlushInterval:  time.Duration(envInt("JOB_PROGRESS_FLUSH_INTERVAL_MS", DefaultProgressFlushMS, 100)) * time.Millisecond,
		LogLevel:               envString("LOG_LEVEL", "info"),
		YtdlpPath:              envString("YTDLP_PATH", DefaultYtdlpBinary),
		JSRuntime:              envString("YTDLP_JS_RUNTIME", DefaultJSRuntime),
		JSRuntimePath:          envString("YTDLP_JS_RUNTIME_PATH", DefaultJSRuntimePath),
		FFmpegPath:             envString("YTDLP_FFMPEG_PATH", ""),
		EnableYoutubeFallback:  envBool("YTDLP_ENABLE_YOUTUBE_FALLBACK", true),
	}
}

func envString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// envInt parses an integer variable, falling back on malformed input and
// clamping to the given minimum.
func envInt(key string, fallback, minimum int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < minimum {
		return minimum
	}
	return value
}

// envBool treats 1/true/yes/on (any case) as true, everything else as false.
func envBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
