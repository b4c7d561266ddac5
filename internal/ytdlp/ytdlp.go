// Package ytdlp adapts the yt-dlp command line tool: it builds argument
// lists, supervises the subprocess, and turns its structured output into
// progress callbacks and an extractor info dict.
package ytdlp

import "context"

// ProgressUpdate is one progress event from the extractor. Numeric fields
// are pointers because yt-dlp omits them freely and emits both integers
// and floats for byte counts.
type ProgressUpdate struct {
	Status             string   `json:"status"`
	DownloadedBytes    *float64 `json:"downloaded_bytes"`
	TotalBytes         *float64 `json:"total_bytes"`
	TotalBytesEstimate *float64 `json:"total_bytes_estimate"`
	Speed              *float64 `json:"speed"`
	ETA                *float64 `json:"eta"`
}

// ProgressFunc receives progress events during an extraction. Returning a
// non-nil error aborts the extraction and Extract returns that error.
type ProgressFunc func(ProgressUpdate) error

// Options enumerates the yt-dlp settings one extraction may use.
type Options struct {
	OutputTemplate      string
	Format              string
	RestrictFilenames   bool
	WriteThumbnail      bool
	WriteInfoJSON       bool
	Retries             int
	ConcurrentFragments int

	// AudioOnly extracts audio into AudioFormat instead of muxing video.
	AudioOnly         bool
	AudioFormat       string
	MergeOutputFormat string

	// JSRuntimePath, when set, is made visible to the subprocess via PATH.
	JSRuntime      string
	JSRuntimePath  string
	FFmpegLocation string

	// ExtractorArgs are raw NAME:ARGS strings passed through verbatim.
	ExtractorArgs []string
}

// Runner is the extraction surface the download workers depend on.
type Runner interface {
	Extract(ctx context.Context, url string, opts Options, hook ProgressFunc) (map[string]interface{}, error)
	Probe(ctx context.Context, url string) (map[string]interface{}, error)
	Version(ctx context.Context) (string, error)
}

// ExtractError is a download failure reported by yt-dlp itself, as opposed
// to a failure launching or supervising the process.
type ExtractError struct {
	ExceptionType string
	Message       string
}

func (e *ExtractError) Error() string {
	return e.Message
}
