package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Scanner limits. Info dict lines routinely run to megabytes for videos
// with many formats, so the default token size is far too small.
const (
	maxInfoLineBytes   = 32 * 1024 * 1024
	maxStderrLineBytes = 1 * 1024 * 1024
)

// CommandRunner runs yt-dlp as a child process.
type CommandRunner struct {
	Binary string
	Logger *slog.Logger
}

// NewCommandRunner creates a runner for the given yt-dlp binary.
func NewCommandRunner(binary string, logger *slog.Logger) *CommandRunner {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &CommandRunner{Binary: binary, Logger: logger}
}

// Extract downloads url with the given options, streaming progress events
// into hook. When hook returns an error the subprocess is terminated and
// that error is returned unchanged, so callers can match their own
// sentinel values against it.
func (r *CommandRunner) Extract(ctx context.Context, url string, opts Options, hook ProgressFunc) (map[string]interface{}, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := BuildArgs(url, opts)
	cmd := exec.CommandContext(runCtx, r.Binary, args...)
	cmd.Env = r.commandEnv(opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.Binary, err)
	}
	if r.Logger != nil {
		r.Logger.Debug("ytdlp_exec", "binary", r.Binary, "url", url)
	}

	// Stderr is drained concurrently, keeping only the last ERROR line.
	var wg sync.WaitGroup
	var stderrMessage string
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxStderrLineBytes)
		for scanner.Scan() {
			if msg, ok := parseErrorLine(scanner.Text()); ok {
				stderrMessage = msg
			}
		}
	}()

	var info map[string]interface{}
	var hookErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxInfoLineBytes)
	for scanner.Scan() {
		line := scanner.Text()

		if update, ok := parseProgressLine(line); ok {
			if hookErr != nil {
				continue
			}
			if err := hook(update); err != nil {
				// The process is killed, but the pipes are drained
				// until it exits so it never blocks on a full buffer.
				hookErr = err
				cancel()
			}
			continue
		}

		if info == nil && strings.HasPrefix(line, "{") {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(line), &parsed); err == nil {
				info = parsed
			}
		}
	}

	wg.Wait()
	waitErr := cmd.Wait()

	if hookErr != nil {
		return nil, hookErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		if stderrMessage != "" {
			return nil, &ExtractError{ExceptionType: "DownloadError", Message: stderrMessage}
		}
		return nil, fmt.Errorf("%s exited: %w", r.Binary, waitErr)
	}

	if info == nil {
		info = map[string]interface{}{}
	}
	return info, nil
}

// Probe fetches the info dict for url without downloading anything.
func (r *CommandRunner) Probe(ctx context.Context, url string) (map[string]interface{}, error) {
	cmd := exec.CommandContext(ctx, r.Binary, "-J", "--no-warnings", "--", url)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg := lastErrorLine(string(exitErr.Stderr)); msg != "" {
				return nil, &ExtractError{ExceptionType: "DownloadError", Message: msg}
			}
		}
		return nil, fmt.Errorf("failed to probe url: %w", err)
	}

	var info map[string]interface{}
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("failed to parse probe output: %w", err)
	}
	return info, nil
}

// Version reports the yt-dlp version string.
func (r *CommandRunner) Version(ctx context.Context) (string, error) {
	output, err := exec.CommandContext(ctx, r.Binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to read version: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// commandEnv builds the subprocess environment. A configured JS runtime
// is exposed by putting its directory first on PATH; yt-dlp discovers
// runtimes by name.
func (r *CommandRunner) commandEnv(opts Options) []string {
	if opts.JSRuntimePath == "" {
		return nil
	}
	dir := filepath.Dir(opts.JSRuntimePath)
	// Duplicate keys are resolved last-wins when the process starts.
	return append(os.Environ(), "PATH="+dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// parseProgressLine decodes a marker-prefixed progress event.
func parseProgressLine(line string) (ProgressUpdate, bool) {
	var update ProgressUpdate
	rest, found := strings.CutPrefix(strings.TrimSpace(line), progressMarker)
	if !found {
		return update, false
	}
	if err := json.Unmarshal([]byte(rest), &update); err != nil {
		return update, false
	}
	return update, true
}

// parseErrorLine extracts the message from an "ERROR: ..." stderr line.
func parseErrorLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	rest, found := strings.CutPrefix(trimmed, "ERROR:")
	if !found {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// lastErrorLine returns the message of the final ERROR line in a stderr
// capture, or empty when there is none.
func lastErrorLine(captured string) string {
	var message string
	for _, line := range strings.Split(captured, "\n") {
		if msg, ok := parseErrorLine(line); ok {
			message = msg
		}
	}
	return message
}
