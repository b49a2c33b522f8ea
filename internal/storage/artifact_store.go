// Package storage persists artifacts under a deterministic layout and
// reports free space on the artifact volume.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ArtifactStore writes artifacts to <root>/state/<REGION>/<CATEGORY><ext>
// and <root>/car/<ITEM_ID><ext>.
type ArtifactStore struct {
	root      string
	extension string
}

// NewArtifactStore creates the root directory if needed.
func NewArtifactStore(root, extension string) (*ArtifactStore, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &ArtifactStore{root: root, extension: extension}, nil
}

// Root returns the artifact root directory.
func (s *ArtifactStore) Root() string {
	return s.root
}

// PathFor returns the deterministic artifact path for target.
func (s *ArtifactStore) PathFor(target domain.TargetKey) string {
	if target.Kind == domain.TargetItem {
		return filepath.Join(s.root, "car", sanitize(target.ItemID)+s.extension)
	}
	return filepath.Join(s.root, "state", sanitize(target.Region), sanitize(target.Category)+s.extension)
}

// Write streams r into the target's path through a temp file and rename,
// so a partially written artifact is never visible under the final name.
func (s *ArtifactStore) Write(target domain.TargetKey, r io.Reader) (string, int64, error) {
	path := s.PathFor(target)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", 0, fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if syncErr := tmp.Sync(); syncErr != nil {
		return "", 0, fmt.Errorf("sync artifact: %w", syncErr)
	}
	if closeErr := tmp.Close(); closeErr != nil {
		return "", 0, fmt.Errorf("close artifact: %w", closeErr)
	}
	if chmodErr := os.Chmod(tmpName, filePerm); chmodErr != nil {
		return "", 0, fmt.Errorf("chmod artifact: %w", chmodErr)
	}
	if renameErr := os.Rename(tmpName, path); renameErr != nil {
		return "", 0, fmt.Errorf("commit artifact: %w", renameErr)
	}
	committed = true

	return path, size, nil
}

func sanitize(component string) string {
	clean := unsafeChars.ReplaceAllString(component, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "_"
	}
	return clean
}
