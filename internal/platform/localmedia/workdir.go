package localmedia

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workdir hands out per-request scratch directories under the same work root the media tools
// use. Satisfies the document pipeline's filesystem adapter: large artifacts are staged here
// for the duration of one request and removed when the request finishes.
type Workdir struct {
	root string
}

func NewWorkdir() *Workdir {
	return &Workdir{root: "/tmp/docforge-media/requests"}
}

func (w *Workdir) WorkingDir(requestID string) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("localmedia: empty request id")
	}
	dir := filepath.Join(w.root, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("localmedia: mkdir workdir: %w", err)
	}
	return dir, nil
}

func (w *Workdir) Cleanup(requestID string) error {
	if requestID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(w.root, requestID))
}
