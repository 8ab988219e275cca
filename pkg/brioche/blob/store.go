// Package blob implements the content-addressed blob store: save/retrieve
// raw byte sequences keyed by their BLAKE3 hash, atomically and with
// bounded concurrent writers, plus an alias table mapping externally
// declared hashes (SHA-256, etc.) to the local BlobHash they validated
// against.
//
// Grounded on original_source/crates/brioche-core/src/blob.rs, ported from
// tokio async I/O to blocking calls (this codebase threads context.Context
// through blocking operations rather than an async runtime, following
// good-night-oppie-helios's style) and from sqlx to database/sql +
// mattn/go-sqlite3.
package blob

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/brioche-run/brioche-core/pkg/brioche/hash"
	"github.com/brioche-run/brioche-core/pkg/brioche/types"
)

const filePermissions = 0o444

// Epoch is the fixed mtime every canonicalized blob file is normalized to:
// chosen well after the Unix epoch so tools that treat a suspiciously-old
// mtime as a sign of a broken clock don't choke on it.
var Epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// RegistryClient fetches blob content from a remote registry when it's
// absent from the local store.
type RegistryClient interface {
	GetBlob(ctx context.Context, blobHash types.BlobHash) ([]byte, error)
}

// Context is everything the blob store needs from its owning store
// context. Described structurally (rather than imported) so this package
// never depends on package storectx; storectx depends on this package
// instead, to construct a Store.
type Context interface {
	HomeDir() string
	WithDB(ctx context.Context, fn func(*sql.Tx) error) error
	Registry() RegistryClient
}

// CacheConfig configures the store's optional in-process hot-blob cache.
// Zero value disables the cache entirely.
type CacheConfig struct {
	CapacityBytes        int64
	CompressionThreshold int
}

// Store is the blob store. It holds no exclusive state of its own beyond
// its read cache: the durable state lives entirely under ctx.HomeDir(), so
// multiple Stores constructed over the same home directory interoperate
// safely (coordination happens via the filesystem's atomic rename and the
// alias table's transactions).
type Store struct {
	ctx   Context
	cache *hotCache
}

// NewStore builds a Store over ctx, with an optional hot-blob read cache.
func NewStore(ctx Context, cache CacheConfig) (*Store, error) {
	hc, err := newHotCache(hotCacheConfig{capacityBytes: cache.CapacityBytes, compressionThreshold: cache.CompressionThreshold})
	if err != nil {
		return nil, fmt.Errorf("blob: build hot cache: %w", err)
	}
	return &Store{ctx: ctx, cache: hc}, nil
}

// ErrHashMismatch is returned when expected_hash validation fails.
type ErrHashMismatch struct {
	Expected types.Hash
	Actual   types.Hash
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("blob: expected hash %s but got %s", e.Expected.String(), e.Actual.String())
}

// SaveBlob saves bytes already held in memory.
func (s *Store) SaveBlob(ctx context.Context, permit *SavePermit, content []byte, opts SaveOptions) (types.BlobHash, error) {
	if permit == nil {
		return types.BlobHash{}, fmt.Errorf("blob: SaveBlob requires a save permit")
	}

	blobHasher := hash.NewBlobHasher()
	defer blobHasher.Release()
	blobHasher.Write(content)

	var validator *hash.ValidationHasher
	if opts.expectedHash != nil {
		v, err := hash.NewValidationHasher(opts.expectedHash.Algorithm)
		if err != nil {
			return types.BlobHash{}, err
		}
		validator = v
		validator.Write(content)
	}

	blobHash := blobHasher.Sum()
	if err := s.validateAndRecordAlias(ctx, opts.expectedHash, validator, blobHash); err != nil {
		return types.BlobHash{}, err
	}

	blobPath := s.localBlobPath(blobHash)
	if err := s.finalizeFromBytes(blobPath, content); err != nil {
		return types.BlobHash{}, err
	}
	s.cache.put(blobHash, content)

	return blobHash, nil
}

// SaveBlobFromReader streams content from r, saving it incrementally
// without buffering the whole thing in memory. opts.RemoveInput must be
// false: there is no input file to remove.
func (s *Store) SaveBlobFromReader(ctx context.Context, permit *SavePermit, r io.Reader, opts SaveOptions) (types.BlobHash, error) {
	if permit == nil {
		return types.BlobHash{}, fmt.Errorf("blob: SaveBlobFromReader requires a save permit")
	}
	if opts.removeInput {
		return types.BlobHash{}, fmt.Errorf("blob: cannot remove input from a reader")
	}

	tempPath, tempFile, err := s.createTempFile()
	if err != nil {
		return types.BlobHash{}, err
	}
	defer os.Remove(tempPath) // no-op once renamed into place

	blobHasher := hash.NewBlobHasher()
	defer blobHasher.Release()

	var validator *hash.ValidationHasher
	if opts.expectedHash != nil {
		v, err := hash.NewValidationHasher(opts.expectedHash.Algorithm)
		if err != nil {
			tempFile.Close()
			return types.BlobHash{}, err
		}
		validator = v
	}

	buf := make([]byte, 1024*1024)
	totalRead := 0
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := tempFile.Write(chunk); err != nil {
				tempFile.Close()
				return types.BlobHash{}, fmt.Errorf("blob: write to temp file: %w", err)
			}
			blobHasher.Write(chunk)
			if validator != nil {
				validator.Write(chunk)
			}
			totalRead += n
			if opts.onProgress != nil {
				if err := opts.onProgress(totalRead); err != nil {
					tempFile.Close()
					return types.BlobHash{}, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tempFile.Close()
			return types.BlobHash{}, fmt.Errorf("blob: read input: %w", readErr)
		}
	}
	if err := tempFile.Close(); err != nil {
		return types.BlobHash{}, fmt.Errorf("blob: close temp file: %w", err)
	}

	blobHash := blobHasher.Sum()
	if err := s.validateAndRecordAlias(ctx, opts.expectedHash, validator, blobHash); err != nil {
		return types.BlobHash{}, err
	}

	blobPath := s.localBlobPath(blobHash)
	if err := s.finalizeTempFile(tempPath, blobPath); err != nil {
		return types.BlobHash{}, err
	}

	return blobHash, nil
}

// SaveBlobFromFile saves the content of the file at inputPath. If
// opts.RemoveInput is set and the file is exclusive (nlink == 1), the file
// is moved into place rather than copied.
func (s *Store) SaveBlobFromFile(ctx context.Context, permit *SavePermit, inputPath string, opts SaveOptions) (types.BlobHash, error) {
	if permit == nil {
		return types.BlobHash{}, fmt.Errorf("blob: SaveBlobFromFile requires a save permit")
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return types.BlobHash{}, fmt.Errorf("blob: open input file %s: %w", inputPath, err)
	}

	blobHasher := hash.NewBlobHasher()
	defer blobHasher.Release()

	var validator *hash.ValidationHasher
	if opts.expectedHash != nil {
		v, err := hash.NewValidationHasher(opts.expectedHash.Algorithm)
		if err != nil {
			f.Close()
			return types.BlobHash{}, err
		}
		validator = v
	}

	buf := make([]byte, 1024*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			blobHasher.Write(chunk)
			if validator != nil {
				validator.Write(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return types.BlobHash{}, fmt.Errorf("blob: read input file %s: %w", inputPath, readErr)
		}
	}
	f.Close()

	blobHash := blobHasher.Sum()
	if err := s.validateAndRecordAlias(ctx, opts.expectedHash, validator, blobHash); err != nil {
		return types.BlobHash{}, err
	}

	blobPath := s.localBlobPath(blobHash)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return types.BlobHash{}, fmt.Errorf("blob: create blob directory: %w", err)
	}

	_, statErr := os.Stat(blobPath)
	switch {
	case statErr == nil:
		// The blob file already exists: no need to write it again, but
		// still canonicalize it and optionally remove the input.
		if err := canonicalize(blobPath); err != nil {
			return types.BlobHash{}, err
		}
		if opts.removeInput {
			if err := os.Remove(inputPath); err != nil {
				return types.BlobHash{}, fmt.Errorf("blob: remove input file %s: %w", inputPath, err)
			}
		}

	case os.IsNotExist(statErr):
		inputInfo, err := os.Stat(inputPath)
		if err != nil {
			return types.BlobHash{}, fmt.Errorf("blob: stat input file %s: %w", inputPath, err)
		}

		if opts.removeInput && isFileExclusive(inputInfo) {
			if err := os.Chmod(inputPath, filePermissions); err != nil {
				return types.BlobHash{}, fmt.Errorf("blob: chmod input file: %w", err)
			}
			if err := os.Chtimes(inputPath, Epoch, Epoch); err != nil {
				return types.BlobHash{}, fmt.Errorf("blob: set input file mtime: %w", err)
			}
			if err := moveFile(inputPath, blobPath); err != nil {
				return types.BlobHash{}, fmt.Errorf("blob: move file from %s to %s: %w", inputPath, blobPath, err)
			}
		} else {
			if err := atomicCopy(inputPath, blobPath); err != nil {
				return types.BlobHash{}, fmt.Errorf("blob: copy file from %s to %s: %w", inputPath, blobPath, err)
			}
			if err := canonicalize(blobPath); err != nil {
				return types.BlobHash{}, err
			}
			if opts.removeInput {
				if err := os.Remove(inputPath); err != nil {
					return types.BlobHash{}, fmt.Errorf("blob: remove input file %s: %w", inputPath, err)
				}
			}
		}

	default:
		return types.BlobHash{}, fmt.Errorf("blob: stat blob path %s: %w", blobPath, statErr)
	}

	return blobHash, nil
}

// FindBlob consults the alias table for hash, returning the BlobHash it was
// last recorded as validating to, if any.
func (s *Store) FindBlob(ctx context.Context, h types.Hash) (types.BlobHash, bool, error) {
	var blobHashStr string
	found := false
	err := s.ctx.WithDB(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT blob_hash FROM blob_aliases WHERE hash = ? LIMIT 1`, h.String())
		switch err := row.Scan(&blobHashStr); {
		case err == sql.ErrNoRows:
			return nil
		case err != nil:
			return err
		default:
			found = true
			return nil
		}
	})
	if err != nil {
		return types.BlobHash{}, false, fmt.Errorf("blob: query alias table: %w", err)
	}
	if !found {
		return types.BlobHash{}, false, nil
	}

	blobHash, err := types.ParseBlobHash(blobHashStr)
	if err != nil {
		return types.BlobHash{}, false, fmt.Errorf("blob: parse stored alias %q: %w", blobHashStr, err)
	}
	return blobHash, true, nil
}

// BlobPath returns the local on-disk path for blobHash, fetching it from
// the registry client into the store first if it's not already present.
func (s *Store) BlobPath(ctx context.Context, permit *SavePermit, blobHash types.BlobHash) (string, error) {
	if permit == nil {
		return "", fmt.Errorf("blob: BlobPath requires a save permit")
	}

	localPath := s.localBlobPath(blobHash)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("blob: stat %s: %w", localPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("blob: create blob directory: %w", err)
	}

	registry := s.ctx.Registry()
	if registry == nil {
		return "", fmt.Errorf("blob: blob %s missing locally and no registry client configured", blobHash)
	}
	content, err := registry.GetBlob(ctx, blobHash)
	if err != nil {
		return "", fmt.Errorf("blob: fetch %s from registry: %w", blobHash, err)
	}
	if actual := hash.SumBlob(content); actual != blobHash {
		return "", fmt.Errorf("blob: registry returned content not matching %s (got %s)", blobHash, actual)
	}

	if err := s.finalizeFromBytes(localPath, content); err != nil {
		return "", err
	}
	s.cache.put(blobHash, content)
	return localPath, nil
}

// ReadBlob reads the full content of blobHash, consulting the hot cache
// first.
func (s *Store) ReadBlob(ctx context.Context, permit *SavePermit, blobHash types.BlobHash) ([]byte, error) {
	if cached, ok := s.cache.get(blobHash); ok {
		return cached, nil
	}
	path, err := s.BlobPath(ctx, permit, blobHash)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	s.cache.put(blobHash, content)
	return content, nil
}

func (s *Store) localBlobPath(blobHash types.BlobHash) string {
	return filepath.Join(s.ctx.HomeDir(), "blobs", hex.EncodeToString(blobHash[:]))
}

func (s *Store) tempDir() string {
	return filepath.Join(s.ctx.HomeDir(), "blobs-temp")
}

func (s *Store) createTempFile() (string, *os.File, error) {
	dir := s.tempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("blob: create temp directory: %w", err)
	}
	path := filepath.Join(dir, ulid.Make().String())
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("blob: open temp file: %w", err)
	}
	return path, f, nil
}

// validateAndRecordAlias finishes validator (if present), fails on hash
// mismatch against expectedHash, and otherwise upserts the alias.
func (s *Store) validateAndRecordAlias(ctx context.Context, expectedHash *types.Hash, validator *hash.ValidationHasher, blobHash types.BlobHash) error {
	if expectedHash == nil {
		return nil
	}
	actual := validator.Finish()
	if actual.Algorithm != expectedHash.Algorithm || !bytes.Equal(actual.Digest, expectedHash.Digest) {
		return &ErrHashMismatch{Expected: *expectedHash, Actual: actual}
	}
	return s.recordAlias(ctx, *expectedHash, blobHash)
}

// recordAlias upserts hash -> blobHash into the alias table, keyed on hash
// alone (its primary key): a hash that previously aliased to a different
// blob is repointed, matching the original's
// "ON CONFLICT (hash) DO UPDATE SET blob_hash = ?" semantics.
func (s *Store) recordAlias(ctx context.Context, h types.Hash, blobHash types.BlobHash) error {
	return s.ctx.WithDB(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blob_aliases (hash, blob_hash) VALUES (?, ?)
			ON CONFLICT (hash) DO UPDATE SET blob_hash = excluded.blob_hash
		`, h.String(), blobHash.String())
		return err
	})
}

// finalizeFromBytes writes content to a fresh temp file and finalizes it
// into blobPath.
func (s *Store) finalizeFromBytes(blobPath string, content []byte) error {
	tempPath, f, err := s.createTempFile()
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("blob: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("blob: close temp file: %w", err)
	}
	return s.finalizeTempFile(tempPath, blobPath)
}

// finalizeTempFile canonicalizes permissions/mtime on tempPath and renames
// it into blobPath, or discards it if blobPath already exists (refreshing
// that existing file's canonical metadata instead).
func (s *Store) finalizeTempFile(tempPath, blobPath string) error {
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("blob: create blob directory: %w", err)
	}

	if _, err := os.Stat(blobPath); err == nil {
		os.Remove(tempPath)
		return canonicalize(blobPath)
	} else if !os.IsNotExist(err) {
		os.Remove(tempPath)
		return fmt.Errorf("blob: stat %s: %w", blobPath, err)
	}

	if err := canonicalize(tempPath); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, blobPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("blob: rename temp file into place: %w", err)
	}
	return nil
}

// canonicalize sets path's permissions and mtime to the blob store's fixed
// canonical values.
func canonicalize(path string) error {
	if err := os.Chmod(path, filePermissions); err != nil {
		return fmt.Errorf("blob: chmod %s: %w", path, err)
	}
	if err := os.Chtimes(path, Epoch, Epoch); err != nil {
		return fmt.Errorf("blob: set mtime on %s: %w", path, err)
	}
	return nil
}
