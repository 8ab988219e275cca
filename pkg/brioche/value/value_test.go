package value

import (
	"testing"

	"github.com/brioche-run/brioche-core/pkg/brioche/directory"
	"github.com/brioche-run/brioche-core/pkg/brioche/types"
	"github.com/stretchr/testify/require"
)

func blobHash(b byte) types.BlobHash {
	var h types.BlobHash
	h[0] = b
	return h
}

func TestFingerprintDeterministic(t *testing.T) {
	a := File(blobHash(1), false, nil)
	b := File(blobHash(1), false, nil)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fa, fb)
	require.True(t, Equal(a, b))
}

func TestFingerprintDiffersOnExecutableBit(t *testing.T) {
	a := File(blobHash(1), false, nil)
	b := File(blobHash(1), true, nil)
	require.False(t, Equal(a, b))
}

func TestFingerprintIgnoresMeta(t *testing.T) {
	dir := directoryOf(t, map[string]CompleteValue{
		"a.txt": File(blobHash(1), false, nil),
	})
	wrapped1 := WithSourceMeta(DirectoryValue(dir), &Meta{Source: "script.bri:1"})
	wrapped2 := WithoutMeta(DirectoryValue(dir))

	require.True(t, Equal(wrapped1.Value, wrapped2.Value))
}

func TestFingerprintIndependentOfInsertOrder(t *testing.T) {
	dir1 := directoryOf(t, map[string]CompleteValue{
		"a.txt": File(blobHash(1), false, nil),
		"b.txt": File(blobHash(2), false, nil),
	})
	dir2 := directoryOf(t, map[string]CompleteValue{
		"b.txt": File(blobHash(2), false, nil),
		"a.txt": File(blobHash(1), false, nil),
	})

	require.True(t, Equal(DirectoryValue(dir1), DirectoryValue(dir2)))
}

func TestLiftAndLowerRoundTrip(t *testing.T) {
	original := File(blobHash(3), true, nil)
	lazy := FromComplete(original)
	require.True(t, lazy.IsAlreadyComplete())
	require.True(t, Equal(lazy.ToComplete(), original))
}

func TestSymlinkTargetOpaque(t *testing.T) {
	s := Symlink([]byte("/nonexistent/target"))
	require.Equal(t, []byte("/nonexistent/target"), s.Symlink.Target)

	// Mutating the returned slice must not affect the stored value.
	raw := []byte("/mutate-me")
	s2 := Symlink(raw)
	raw[0] = 'X'
	require.Equal(t, byte('/'), s2.Symlink.Target[0])
}

func TestLazyFingerprintDistinguishesMergeFromDirectory(t *testing.T) {
	dir := directoryOf(t, map[string]CompleteValue{
		"a.txt": File(blobHash(1), false, nil),
	})
	asDir := FromComplete(DirectoryValue(dir))
	asMerge := Merge(LazyWithoutMeta(asDir))

	fp1, err := LazyFingerprint(asDir)
	require.NoError(t, err)
	fp2, err := LazyFingerprint(asMerge)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp2)
}

func TestLazyFingerprintDeterministic(t *testing.T) {
	v1 := Merge(
		LazyWithoutMeta(FromComplete(File(blobHash(1), false, nil))),
		LazyWithoutMeta(FromComplete(File(blobHash(2), false, nil))),
	)
	v2 := Merge(
		LazyWithoutMeta(FromComplete(File(blobHash(1), false, nil))),
		LazyWithoutMeta(FromComplete(File(blobHash(2), false, nil))),
	)

	fp1, err := LazyFingerprint(v1)
	require.NoError(t, err)
	fp2, err := LazyFingerprint(v2)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

// directoryOf is a small test helper building a CompleteDir from a flat
// path->value map (paths here never need intermediate directories).
func directoryOf(t *testing.T, entries map[string]CompleteValue) *CompleteDir {
	t.Helper()
	d := directory.New[CompleteWithMeta]()
	for path, v := range entries {
		require.NoError(t, d.Insert([]byte(path), WithoutMeta(v), WrapCompleteDir))
	}
	return d
}
