package contextstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// ListUUIDs returns the task UUIDs present under baseDir/<root>, used by the
// producer to enumerate paused/ directories and by pkg/cleanup
// to enumerate completed/ directories.
func ListUUIDs(baseDir string, root Root) ([]string, error) {
	rootDir := filepath.Join(baseDir, string(root))
	entries, err := os.ReadDir(rootDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contextstore: list %s: %w", rootDir, err)
	}

	var uuids []string
	for _, e := range entries {
		if e.IsDir() {
			uuids = append(uuids, e.Name())
		}
	}
	return uuids, nil
}

// DirModTime returns the modification time of a task's context directory
// under the given root, used by pkg/cleanup to decide whether a completed/
// directory has aged past its retention window.
func DirModTime(baseDir string, root Root, uuid string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(baseDir, string(root), uuid))
}
