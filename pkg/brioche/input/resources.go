package input

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/brioche-run/brioche-core/pkg/brioche/blob"
	"github.com/brioche-run/brioche-core/pkg/brioche/directory"
	"github.com/brioche-run/brioche-core/pkg/brioche/value"
)

// collectResources walks resourcesDir starting from entryPoints (a packed
// file's program and, if set, interpreter path), following symlinks with
// relative targets transitively, and returns the Directory of everything
// actually referenced. A symlink with an absolute target is recorded but
// its target is not followed. Unreferenced siblings in resourcesDir are never visited, so
// they're correctly omitted from the result.
//
// Resource files are never removed regardless of Options.RemoveInput:
// resourcesDir is a shared pool of candidate resources, potentially
// referenced by more than one packed executable in the same ingestion, so
// only the top-level input path is ever a removal candidate.
func (s *Store) collectResources(ctx context.Context, resourcesDir string, entryPoints [][]byte) (*value.CompleteDir, error) {
	result := directory.New[value.CompleteWithMeta]()
	visited := make(map[string]bool)

	queue := make([]string, 0, len(entryPoints))
	for _, e := range entryPoints {
		queue = append(queue, path.Clean(string(e)))
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p] {
			continue
		}
		visited[p] = true

		fullPath := filepath.Join(resourcesDir, filepath.FromSlash(p))
		info, err := os.Lstat(fullPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Broken symlink target, or a stale reference: tolerated.
			continue
		case err != nil:
			return nil, fmt.Errorf("input: stat resource %s: %w", fullPath, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(fullPath)
			if err != nil {
				return nil, fmt.Errorf("input: readlink resource %s: %w", fullPath, err)
			}
			if err := result.Insert([]byte(p), value.WithoutMeta(value.Symlink([]byte(target))), value.WrapCompleteDir); err != nil {
				return nil, fmt.Errorf("input: insert resource symlink %s: %w", p, err)
			}
			if !path.IsAbs(target) {
				queue = append(queue, path.Join(path.Dir(p), target))
			}

		case info.IsDir():
			entries, err := os.ReadDir(fullPath)
			if err != nil {
				return nil, fmt.Errorf("input: read resource directory %s: %w", fullPath, err)
			}
			for _, e := range entries {
				queue = append(queue, path.Join(p, e.Name()))
			}

		default:
			permit, err := blob.AcquireSaveBlobPermit(ctx)
			if err != nil {
				return nil, err
			}
			blobHash, err := s.blobs.SaveBlobFromFile(ctx, permit, fullPath, blob.NewSaveOptions())
			permit.Release()
			if err != nil {
				return nil, fmt.Errorf("input: save resource file %s: %w", fullPath, err)
			}
			executable := info.Mode()&0o111 != 0
			if err := result.Insert([]byte(p), value.WithoutMeta(value.File(blobHash, executable, nil)), value.WrapCompleteDir); err != nil {
				return nil, fmt.Errorf("input: insert resource file %s: %w", p, err)
			}
		}
	}

	return result, nil
}
