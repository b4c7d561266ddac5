package ytdlp

import "os/exec"

// Diagnostics describes the runtime environment the extractor will see.
// It is logged at startup and exposed for operators chasing "works on my
// machine" extraction failures.
type Diagnostics struct {
	JSRuntime              string `json:"js_runtime"`
	ConfiguredRuntimePath  string `json:"configured_runtime_path"`
	ResolvedRuntimePath    string `json:"resolved_runtime_path"`
	FFmpeg                 string `json:"ffmpeg"`
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	BaseDownloadDir        string `json:"base_download_dir"`
}

// BuildDiagnostics resolves the configured JS runtime and ffmpeg binary
// against the current PATH.
func BuildDiagnostics(runtimeName, runtimePath, ffmpegPath, baseDownloadDir string, maxConcurrent int) Diagnostics {
	ffmpeg := ffmpegPath
	if ffmpeg == "" {
		if found, err := exec.LookPath("ffmpeg"); err == nil {
			ffmpeg = found
		} else {
			ffmpeg = "not_found"
		}
	}

	resolvedRuntime := "disabled"
	if runtimeName != "" {
		resolvedRuntime = runtimePath
		if resolvedRuntime == "" {
			if found, err := exec.LookPath(runtimeName); err == nil {
				resolvedRuntime = found
			} else {
				resolvedRuntime = "not_found"
			}
		}
	}

	jsRuntime := runtimeName
	if jsRuntime == "" {
		jsRuntime = "disabled"
	}
	configuredPath := runtimePath
	if configuredPath == "" {
		configuredPath = "-"
	}

	return Diagnostics{
		JSRuntime:              jsRuntime,
		ConfiguredRuntimePath:  configuredPath,
		ResolvedRuntimePath:    resolvedRuntime,
		FFmpeg:                 ffmpeg,
		MaxConcurrentDownloads: maxConcurrent,
		BaseDownloadDir:        baseDownloadDir,
	}
}
