package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BestFilename is the name of the checkpoint overwritten on every improvement.
const BestFilename = "best_model.tar"

// ResumeFile picks the checkpoint to resume from in dir. Only periodic
// checkpoints (named "<n>.tar") are considered. With resumeEpoch < 0 the
// largest n wins; otherwise "<resumeEpoch>.tar" must exist. An empty result
// with a nil error means there is nothing to resume from.
func ResumeFile(dir string, resumeEpoch int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to list checkpoints in %s: %w", dir, err)
	}

	latest := -1
	found := make(map[int]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == BestFilename || filepath.Ext(name) != ".tar" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".tar"))
		if err != nil {
			continue
		}
		found[n] = true
		if n > latest {
			latest = n
		}
	}

	if latest < 0 {
		return "", nil
	}
	epoch := latest
	if resumeEpoch >= 0 {
		if !found[resumeEpoch] {
			return "", nil
		}
		epoch = resumeEpoch
	}
	return filepath.Join(dir, fmt.Sprintf("%d.tar", epoch)), nil
}
