package clipboard

import (
	"os"
	"path/filepath"
	"time"
)

const tempImageMaxAge = time.Hour

// cleanupOldImageFiles removes ras-image-* files from the temp
// directory older than maxAge, run once at manager construction
// (clipboard_manager.py::cleanup_old_image_files).
func cleanupOldImageFiles(maxAge time.Duration) int {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "ras-image-*"))
	if err != nil {
		return 0
	}
	now := time.Now()
	cleaned := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if os.Remove(path) == nil {
				cleaned++
			}
		}
	}
	return cleaned
}
