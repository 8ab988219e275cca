// Package value implements the central value model: CompleteValue (a
// fully-resolved artifact: File, Directory, or Symlink) and LazyValue (a
// thunk that reduces to a CompleteValue), plus the WithMeta wrapper that
// attaches diagnostics-only source metadata to a value without
// participating in its hashing or equality.
//
// Spec's WithMeta<T> is generic over the wrapped value type; this port
// gives it two concrete instantiations (CompleteWithMeta, LazyWithMeta)
// rather than a Go generic, since the only two instantiations the spec
// actually uses are CompleteValue and LazyValue, and a concrete type keeps
// the directory.Entry wiring simple (see DESIGN.md).
package value

import (
	"fmt"

	"github.com/brioche-run/brioche-core/pkg/brioche/directory"
	"github.com/brioche-run/brioche-core/pkg/brioche/types"
	"github.com/mitchellh/hashstructure/v2"
)

// Kind tags which variant a CompleteValue or LazyValue holds.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
	// KindMerge only ever appears on a LazyValue; a CompleteValue is never
	// in this state.
	KindMerge
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindMerge:
		return "merge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Meta carries diagnostics-only information about where a value came from
// (an origin span in a script, a human tag). It participates in neither the
// hashing nor the equality of the value it's attached to.
type Meta struct {
	Source string
	Tag    string
}

// CompleteDir is the directory shape used inside a CompleteValue: an
// ordered path -> CompleteWithMeta mapping.
type CompleteDir = directory.Directory[CompleteWithMeta]

// FileValue is the File variant of a CompleteValue.
type FileValue struct {
	Content    types.BlobHash
	Executable bool
	// Resources contains every blob referenced transitively by the file's
	// pack metadata, and nothing more. Empty (zero-length) for files that
	// aren't packed executables.
	Resources *CompleteDir
}

// SymlinkValue is the Symlink variant of a CompleteValue. Target is opaque
// bytes: never validated, never canonicalized, regardless of whether it
// resolves to anything.
type SymlinkValue struct {
	Target []byte
}

// CompleteValue is a fully-resolved artifact: a File, a Directory, or a
// Symlink. Exactly one of File/Dir/Symlink is non-nil, selected by Kind.
type CompleteValue struct {
	Kind    Kind
	File    *FileValue
	Dir     *CompleteDir
	Symlink *SymlinkValue
}

// File constructs a File CompleteValue.
func File(content types.BlobHash, executable bool, resources *CompleteDir) CompleteValue {
	if resources == nil {
		resources = directory.New[CompleteWithMeta]()
	}
	return CompleteValue{Kind: KindFile, File: &FileValue{Content: content, Executable: executable, Resources: resources}}
}

// DirectoryValue constructs a Directory CompleteValue.
func DirectoryValue(dir *CompleteDir) CompleteValue {
	if dir == nil {
		dir = directory.New[CompleteWithMeta]()
	}
	return CompleteValue{Kind: KindDirectory, Dir: dir}
}

// Symlink constructs a Symlink CompleteValue. target is stored verbatim.
func Symlink(target []byte) CompleteValue {
	cp := make([]byte, len(target))
	copy(cp, target)
	return CompleteValue{Kind: KindSymlink, Symlink: &SymlinkValue{Target: cp}}
}

// CompleteWithMeta pairs a CompleteValue with optional diagnostics metadata.
// It is also the entry type stored in CompleteDir, which is why it
// implements directory.Entry.
type CompleteWithMeta struct {
	Value CompleteValue
	Meta  *Meta
}

// WithoutMeta wraps v with no diagnostics metadata attached.
func WithoutMeta(v CompleteValue) CompleteWithMeta {
	return CompleteWithMeta{Value: v}
}

// WithSourceMeta wraps v with the given diagnostics metadata.
func WithSourceMeta(v CompleteValue, meta *Meta) CompleteWithMeta {
	return CompleteWithMeta{Value: v, Meta: meta}
}

// AsDirectory implements directory.Entry.
func (w CompleteWithMeta) AsDirectory() (*CompleteDir, bool) {
	if w.Value.Kind != KindDirectory {
		return nil, false
	}
	return w.Value.Dir, true
}

// hashableComplete is the shape hashstructure.Hash sees: Meta is deliberately
// excluded since it must not participate in hashing or equality.
type hashableComplete struct {
	Kind       Kind
	Content    *types.BlobHash
	Executable bool
	Resources  []hashableEntry
	Dir        []hashableEntry
	SymTarget  []byte
}

type hashableEntry struct {
	Key   string
	Value hashableComplete
}

func toHashable(v CompleteValue) hashableComplete {
	switch v.Kind {
	case KindFile:
		return hashableComplete{
			Kind:       KindFile,
			Content:    &v.File.Content,
			Executable: v.File.Executable,
			Resources:  dirToHashable(v.File.Resources),
		}
	case KindDirectory:
		return hashableComplete{Kind: KindDirectory, Dir: dirToHashable(v.Dir)}
	case KindSymlink:
		return hashableComplete{Kind: KindSymlink, SymTarget: v.Symlink.Target}
	default:
		return hashableComplete{Kind: v.Kind}
	}
}

func dirToHashable(d *CompleteDir) []hashableEntry {
	if d == nil {
		return nil
	}
	out := make([]hashableEntry, 0, d.Len())
	_ = d.ForEach(func(key string, v CompleteWithMeta) error {
		out = append(out, hashableEntry{Key: key, Value: toHashable(v.Value)})
		return nil
	})
	return out
}

// Fingerprint returns a deterministic structural hash of v, independent of
// map iteration order (Directory already iterates in sorted key order) and
// independent of any attached Meta. Two structurally equal CompleteValues
// always produce the same fingerprint.
func Fingerprint(v CompleteValue) (uint64, error) {
	return hashstructure.Hash(toHashable(v), hashstructure.FormatV2, nil)
}

// Equal reports whether a and b are structurally identical CompleteValues,
// ignoring any attached Meta.
func Equal(a, b CompleteValue) bool {
	fa, errA := Fingerprint(a)
	fb, errB := Fingerprint(b)
	if errA != nil || errB != nil {
		return false
	}
	return fa == fb
}
