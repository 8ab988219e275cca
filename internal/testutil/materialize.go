// Package testutil provides fixture helpers shared across this module's
// test suites: small host-filesystem builders, and Materialize, which
// writes a CompleteValue back to a real directory so ingestion and
// resolution can be round-tripped and asserted against in tests.
//
// Materialize is adapted from the teacher's pkg/helios/vst.Materialize:
// same include/exclude glob filtering via doublestar, generalized from a
// flat path->bytes snapshot map to the recursive File/Directory/Symlink
// value model this module uses instead.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/brioche-run/brioche-core/pkg/brioche/blob"
	"github.com/brioche-run/brioche-core/pkg/brioche/value"
)

// MaterializeOptions filters which paths actually get written. Both lists
// are matched with doublestar glob patterns against the slash-separated
// path relative to the materialization root.
type MaterializeOptions struct {
	Include []string
	Exclude []string
}

// Stats reports what a Materialize call actually wrote.
type Stats struct {
	FilesWritten    int64
	BytesWritten    int64
	SymlinksWritten int64
}

// Materialize writes v to outDir, reading file content from blobs.
func Materialize(ctx context.Context, blobs *blob.Store, v value.CompleteWithMeta, outDir string, opts MaterializeOptions) (Stats, error) {
	var stats Stats
	if err := materializeAt(ctx, blobs, v, outDir, "", opts, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func materializeAt(ctx context.Context, blobs *blob.Store, v value.CompleteWithMeta, fullPath, relPath string, opts MaterializeOptions, stats *Stats) error {
	switch v.Value.Kind {
	case value.KindFile:
		if !shouldMaterialize(relPath, opts) {
			return nil
		}
		return materializeFile(ctx, blobs, v.Value.File, fullPath, stats)

	case value.KindSymlink:
		if !shouldMaterialize(relPath, opts) {
			return nil
		}
		if err := os.Symlink(string(v.Value.Symlink.Target), fullPath); err != nil {
			return fmt.Errorf("testutil: symlink %s: %w", fullPath, err)
		}
		stats.SymlinksWritten++
		return nil

	case value.KindDirectory:
		if err := os.MkdirAll(fullPath, 0o755); err != nil {
			return fmt.Errorf("testutil: mkdir %s: %w", fullPath, err)
		}
		return v.Value.Dir.ForEach(func(key string, child value.CompleteWithMeta) error {
			childRel := key
			if relPath != "" {
				childRel = relPath + "/" + key
			}
			return materializeAt(ctx, blobs, child, filepath.Join(fullPath, key), childRel, opts, stats)
		})

	default:
		return fmt.Errorf("testutil: materialize: unsupported value kind %s", v.Value.Kind)
	}
}

func materializeFile(ctx context.Context, blobs *blob.Store, f *value.FileValue, fullPath string, stats *Stats) error {
	permit, err := blob.AcquireSaveBlobPermit(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()

	content, err := blobs.ReadBlob(ctx, permit, f.Content)
	if err != nil {
		return fmt.Errorf("testutil: read blob for %s: %w", fullPath, err)
	}

	mode := os.FileMode(0o644)
	if f.Executable {
		mode = 0o755
	}
	if err := os.WriteFile(fullPath, content, mode); err != nil {
		return fmt.Errorf("testutil: write %s: %w", fullPath, err)
	}
	stats.FilesWritten++
	stats.BytesWritten += int64(len(content))
	return nil
}

func shouldMaterialize(relPath string, opts MaterializeOptions) bool {
	if len(opts.Include) > 0 {
		matched := false
		for _, pattern := range opts.Include {
			if matchGlob(relPath, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range opts.Exclude {
		if matchGlob(relPath, pattern) {
			return false
		}
	}
	return true
}

func matchGlob(path, pattern string) bool {
	path = strings.ReplaceAll(path, "\\", "/")
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	matched, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return matched
}
