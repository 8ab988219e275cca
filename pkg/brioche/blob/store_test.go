package blob

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/brioche-run/brioche-core/pkg/brioche/hash"
	"github.com/brioche-run/brioche-core/pkg/brioche/types"
)

// testContext is a minimal Context backed by a real temp directory and a
// real SQLite DB file inside it, exercising the same schema/queries the
// store context will use in production.
type testContext struct {
	home     string
	db       *sql.DB
	registry RegistryClient
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	home := t.TempDir()

	dbPath := filepath.Join(home, "brioche.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE blob_aliases (hash TEXT PRIMARY KEY, blob_hash TEXT NOT NULL)`)
	require.NoError(t, err)

	return &testContext{home: home, db: db}
}

func (c *testContext) HomeDir() string { return c.home }

func (c *testContext) WithDB(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *testContext) Registry() RegistryClient { return c.registry }

type fakeRegistry struct {
	blobs map[types.BlobHash][]byte
}

func (r *fakeRegistry) GetBlob(_ context.Context, h types.BlobHash) ([]byte, error) {
	content, ok := r.blobs[h]
	if !ok {
		return nil, os.ErrNotExist
	}
	return content, nil
}

func acquirePermit(t *testing.T) *SavePermit {
	t.Helper()
	permit, err := AcquireSaveBlobPermit(context.Background())
	require.NoError(t, err)
	t.Cleanup(permit.Release)
	return permit
}

func TestSaveBlobIsContentAddressedAndCanonicalized(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	permit := acquirePermit(t)
	blobHash, err := store.SaveBlob(context.Background(), permit, []byte("hello world"), NewSaveOptions())
	require.NoError(t, err)
	require.Equal(t, hash.SumBlob([]byte("hello world")), blobHash)

	path := store.localBlobPath(blobHash)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())
	require.True(t, info.ModTime().Equal(Epoch))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}

func TestSaveBlobIdempotentOnIdenticalContent(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	permit := acquirePermit(t)
	h1, err := store.SaveBlob(context.Background(), permit, []byte("same bytes"), NewSaveOptions())
	require.NoError(t, err)
	h2, err := store.SaveBlob(context.Background(), permit, []byte("same bytes"), NewSaveOptions())
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSaveBlobValidatesExpectedHashAndRecordsAlias(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	content := []byte("validated content")
	expected, err := hash.Content(content, types.SHA256)
	require.NoError(t, err)

	permit := acquirePermit(t)
	blobHash, err := store.SaveBlob(context.Background(), permit, content, NewSaveOptions().WithExpectedHash(&expected))
	require.NoError(t, err)

	found, ok, err := store.FindBlob(context.Background(), expected)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobHash, found)
}

func TestSaveBlobRejectsHashMismatch(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	wrongHash := types.Hash{Algorithm: types.SHA256, Digest: make([]byte, 32)}
	permit := acquirePermit(t)
	_, err = store.SaveBlob(context.Background(), permit, []byte("some content"), NewSaveOptions().WithExpectedHash(&wrongHash))
	require.Error(t, err)

	var mismatch *ErrHashMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestSaveBlobFromReaderRejectsRemoveInput(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	permit := acquirePermit(t)
	_, err = store.SaveBlobFromReader(context.Background(), permit, nil, NewSaveOptions().WithRemoveInput(true))
	require.Error(t, err)
}

func TestSaveBlobFromFileRemovesExclusiveInputByMoving(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	inputPath := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("movable"), 0o644))

	permit := acquirePermit(t)
	blobHash, err := store.SaveBlobFromFile(context.Background(), permit, inputPath, NewSaveOptions().WithRemoveInput(true))
	require.NoError(t, err)

	_, err = os.Stat(inputPath)
	require.True(t, os.IsNotExist(err), "input file should have been moved away")

	content, err := os.ReadFile(store.localBlobPath(blobHash))
	require.NoError(t, err)
	require.Equal(t, "movable", string(content))
}

func TestBlobPathFetchesFromRegistryWhenMissingLocally(t *testing.T) {
	ctx := newTestContext(t)
	content := []byte("from the registry")
	blobHash := hash.SumBlob(content)
	ctx.registry = &fakeRegistry{blobs: map[types.BlobHash][]byte{blobHash: content}}

	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	permit := acquirePermit(t)
	path, err := store.BlobPath(context.Background(), permit, blobHash)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestFindBlobMissingReturnsNotFound(t *testing.T) {
	ctx := newTestContext(t)
	store, err := NewStore(ctx, CacheConfig{})
	require.NoError(t, err)

	_, ok, err := store.FindBlob(context.Background(), types.Hash{Algorithm: types.SHA256, Digest: make([]byte, 32)})
	require.NoError(t, err)
	require.False(t, ok)
}
