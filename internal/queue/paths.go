package queue

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jsperling/grabdeck/internal/storage"
)

// sidecarExtensions are produced next to the media file and never count as
// the media file itself.
var sidecarExtensions = map[string]struct{}{
	".json": {},
	".part": {},
	".ytdl": {},
	".tmp":  {},
	".jpg":  {},
	".webp": {},
	".png":  {},
}

// SafeStoragePath resolves a stored relative path against the base download
// directory. ok is false when the path is empty or escapes the base.
func (m *Manager) SafeStoragePath(relative string) (string, bool) {
	return safeJoin(m.settings.BaseDownloadDir, relative)
}

// safeJoin joins relative onto base and confines the result to base.
// Symlinks in base are resolved before the check so a symlinked data
// directory does not reject its own files; symlinks in the candidate are
// resolved when they exist so they cannot point outside.
func safeJoin(base, relative string) (string, bool) {
	if relative == "" {
		return "", false
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", false
	}
	normalized := strings.TrimLeft(strings.ReplaceAll(relative, "\\", "/"), "/")
	full := filepath.Join(resolvedBase, filepath.FromSlash(normalized))
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		full = resolved
	}
	if full != resolvedBase && !strings.HasPrefix(full, resolvedBase+string(os.PathSeparator)) {
		return "", false
	}
	return full, true
}

// toRelative converts an extractor-reported path into a base-relative one.
// Absolute paths outside the base are rejected; relative paths are passed
// through with any leading slash stripped and verified later.
func toRelative(base, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if !filepath.IsAbs(path) {
		return strings.TrimLeft(path, "/"), true
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", false
	}
	full := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		full = resolved
	}
	if full != resolvedBase && !strings.HasPrefix(full, resolvedBase+string(os.PathSeparator)) {
		return "", false
	}
	rel, err := filepath.Rel(resolvedBase, full)
	if err != nil {
		return "", false
	}
	return rel, true
}

// verifyRelative accepts a path only when it normalizes to a file that
// exists inside the base directory.
func (m *Manager) verifyRelative(path string) *string {
	if path == "" {
		return nil
	}
	rel, ok := toRelative(m.settings.BaseDownloadDir, path)
	if !ok {
		return nil
	}
	full, ok := safeJoin(m.settings.BaseDownloadDir, rel)
	if !ok || !isRegularFile(full) {
		return nil
	}
	return &rel
}

// resolveMediaPath finds the landed media file for a finished extraction.
// It trusts the info dict first and falls back to scanning the download
// directory for the video ID marker.
func (m *Manager) resolveMediaPath(info map[string]interface{}) *string {
	if list, ok := info["requested_downloads"].([]interface{}); ok {
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			path := stringField(entry, "filepath")
			if path == "" {
				path = stringField(entry, "_filename")
			}
			if rel := m.verifyRelative(path); rel != nil {
				return rel
			}
		}
	}

	for _, key := range []string{"filepath", "_filename", "filename"} {
		if rel := m.verifyRelative(stringField(info, key)); rel != nil {
			return rel
		}
	}

	return m.scanForMedia(stringField(info, "id"))
}

// scanForMedia picks the newest non-sidecar file in the download directory
// whose name carries the "[videoID]" marker from the output template.
func (m *Manager) scanForMedia(videoID string) *string {
	if videoID == "" {
		return nil
	}
	entries, err := os.ReadDir(m.settings.BaseDownloadDir)
	if err != nil {
		return nil
	}

	marker := "[" + videoID + "]"
	var bestName string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.Contains(name, marker) {
			continue
		}
		if _, sidecar := sidecarExtensions[strings.ToLower(filepath.Ext(name))]; sidecar {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if bestName == "" || fi.ModTime().After(bestMod) {
			bestName = name
			bestMod = fi.ModTime()
		}
	}
	if bestName == "" {
		return nil
	}
	return &bestName
}

// resolveThumbnailPath looks for a thumbnail written next to the media file.
func (m *Manager) resolveThumbnailPath(mediaRelative *string) *string {
	if mediaRelative == nil || *mediaRelative == "" {
		return nil
	}
	stem := strings.TrimSuffix(*mediaRelative, filepath.Ext(*mediaRelative))
	for _, ext := range []string{".jpg", ".webp", ".png"} {
		candidate := stem + ext
		if full, ok := safeJoin(m.settings.BaseDownloadDir, candidate); ok && isRegularFile(full) {
			return &candidate
		}
	}
	return nil
}

// deleteLocalFiles removes the media file, its sidecars, and the thumbnail
// recorded on a deleted row. Paths are re-confined to the base directory
// before removal, so a corrupted row cannot reach outside it.
func (m *Manager) deleteLocalFiles(record *storage.Download) {
	if record == nil {
		return
	}

	candidates := make(map[string]struct{})
	if record.MediaLocalPath != nil && *record.MediaLocalPath != "" {
		media := *record.MediaLocalPath
		candidates[media] = struct{}{}
		stem := strings.TrimSuffix(media, filepath.Ext(media))
		for _, suffix := range []string{".info.json", ".jpg", ".webp", ".png"} {
			candidates[stem+suffix] = struct{}{}
		}
	}
	if record.ThumbnailLocalPath != nil && *record.ThumbnailLocalPath != "" {
		candidates[*record.ThumbnailLocalPath] = struct{}{}
	}

	for candidate := range candidates {
		full, ok := safeJoin(m.settings.BaseDownloadDir, candidate)
		if !ok || !isRegularFile(full) {
			continue
		}
		if err := os.Remove(full); err != nil {
			m.logger.Error("file_delete_failed", "path", candidate, "error", err)
		}
	}
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func stringField(entry map[string]interface{}, key string) string {
	value, _ := entry[key].(string)
	return value
}
