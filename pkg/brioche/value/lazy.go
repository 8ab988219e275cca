package value

import (
	"github.com/brioche-run/brioche-core/pkg/brioche/directory"
	"github.com/mitchellh/hashstructure/v2"
)

// LazyDir is the directory shape used while still lazy: a Merge's children
// are themselves lazy, so a "lazy directory" is really just a Directory
// literal of already-lazy entries. Brioche's script evaluator only ever
// hands the resolver LazyValues built from CompleteValue literals (lifted)
// or a Merge of such directories; there is no separate lazy directory
// builder distinct from Insert/Merge on a LazyWithMeta tree.
type LazyDir = directory.Directory[LazyWithMeta]

// MergeValue is the Merge lazy variant: resolve each child (which must
// itself resolve to a Directory), then overlay them left-to-right with
// right-biased conflict resolution at each path.
type MergeValue struct {
	Directories []LazyWithMeta
}

// LazyValue is a thunk: either an already-complete variant (lifted with no
// extra work for the resolver) or a Merge awaiting reduction. Additional
// effectful variants (process-run, download, unpack, ...) would be added
// here following the same pattern: each names its dependencies and a pure
// reduction rule, uniformly driven by the resolver (see pkg/brioche/resolve).
type LazyValue struct {
	Kind Kind

	// Already-complete variants, mirroring CompleteValue exactly.
	File    *FileValue
	Dir     *LazyDir
	Symlink *SymlinkValue

	// Merge is populated only when Kind == KindMerge.
	Merge *MergeValue
}

// FromComplete lifts a CompleteValue to an already-resolved LazyValue. The
// resolver treats such a lift as a no-op.
func FromComplete(v CompleteValue) LazyValue {
	switch v.Kind {
	case KindFile:
		return LazyValue{Kind: KindFile, File: v.File}
	case KindDirectory:
		return LazyValue{Kind: KindDirectory, Dir: liftDir(v.Dir)}
	case KindSymlink:
		return LazyValue{Kind: KindSymlink, Symlink: v.Symlink}
	default:
		return LazyValue{Kind: v.Kind}
	}
}

func liftDir(d *CompleteDir) *LazyDir {
	out := directory.New[LazyWithMeta]()
	if d == nil {
		return out
	}
	_ = d.ForEach(func(key string, v CompleteWithMeta) error {
		lifted := FromComplete(v.Value)
		return out.Insert([]byte(key), LazyWithMeta{Value: lifted, Meta: v.Meta}, WrapLazyDir)
	})
	return out
}

// Merge constructs a Merge LazyValue over the given children, in the order
// they should be overlaid (left-to-right, right-biased).
func Merge(children ...LazyWithMeta) LazyValue {
	return LazyValue{Kind: KindMerge, Merge: &MergeValue{Directories: children}}
}

// IsAlreadyComplete reports whether v needs no resolver work: every variant
// except Merge (and future effectful variants) is already complete, and a
// Directory is complete only if all of its entries are.
func (v LazyValue) IsAlreadyComplete() bool {
	if v.Kind == KindDirectory && v.Dir != nil {
		complete := true
		_ = v.Dir.ForEach(func(_ string, e LazyWithMeta) error {
			if !e.Value.IsAlreadyComplete() {
				complete = false
			}
			return nil
		})
		return complete
	}
	return v.Kind != KindMerge
}

// ToComplete converts an already-complete LazyValue back to a CompleteValue.
// Callers must check IsAlreadyComplete first; ToComplete panics on a Merge
// (or any future effectful variant) since those require real resolver work.
func (v LazyValue) ToComplete() CompleteValue {
	switch v.Kind {
	case KindFile:
		return CompleteValue{Kind: KindFile, File: v.File}
	case KindDirectory:
		return CompleteValue{Kind: KindDirectory, Dir: lowerDir(v.Dir)}
	case KindSymlink:
		return CompleteValue{Kind: KindSymlink, Symlink: v.Symlink}
	default:
		panic("value: ToComplete called on a lazy value that isn't already complete: " + v.Kind.String())
	}
}

func lowerDir(d *LazyDir) *CompleteDir {
	out := directory.New[CompleteWithMeta]()
	if d == nil {
		return out
	}
	_ = d.ForEach(func(key string, v LazyWithMeta) error {
		return out.Insert([]byte(key), CompleteWithMeta{Value: v.Value.ToComplete(), Meta: v.Meta}, WrapCompleteDir)
	})
	return out
}

// LazyWithMeta pairs a LazyValue with optional diagnostics metadata, and
// implements directory.Entry so LazyDir can hold nested directories.
type LazyWithMeta struct {
	Value LazyValue
	Meta  *Meta
}

// LazyWithoutMeta wraps v with no diagnostics metadata attached.
func LazyWithoutMeta(v LazyValue) LazyWithMeta {
	return LazyWithMeta{Value: v}
}

// AsDirectory implements directory.Entry.
func (w LazyWithMeta) AsDirectory() (*LazyDir, bool) {
	if w.Value.Kind != KindDirectory {
		return nil, false
	}
	return w.Value.Dir, true
}

// WrapCompleteDir wraps a *CompleteDir back into a CompleteWithMeta entry,
// used as the wrapDir callback for CompleteDir.Insert/Merge.
func WrapCompleteDir(d *CompleteDir) CompleteWithMeta {
	return CompleteWithMeta{Value: CompleteValue{Kind: KindDirectory, Dir: d}}
}

// WrapLazyDir wraps a *LazyDir back into a LazyWithMeta entry, used as the
// wrapDir callback for LazyDir.Insert/Merge.
func WrapLazyDir(d *LazyDir) LazyWithMeta {
	return LazyWithMeta{Value: LazyValue{Kind: KindDirectory, Dir: d}}
}

// lazyHashable mirrors hashableComplete but for the lazy tree, used as the
// Resolver's memoization fingerprint (spec §4.F: "the structural hash of
// the LazyValue"). Two LazyValues that merely reduce to the same result -
// such as two distinct Merge trees that produce the same directory once
// resolved - are NOT guaranteed to share the same fingerprint; only
// structurally identical lazy trees do. That's intentional: the spec's
// memoization key is over the LazyValue itself, not its eventual result.
type lazyHashable struct {
	Kind       Kind
	Content    *[32]byte
	Executable bool
	Resources  []lazyHashEntry
	Dir        []lazyHashEntry
	SymTarget  []byte
	Merge      []lazyHashable
}

type lazyHashEntry struct {
	Key   string
	Value lazyHashable
}

func lazyToHashable(v LazyValue) lazyHashable {
	switch v.Kind {
	case KindFile:
		digest := [32]byte(v.File.Content)
		return lazyHashable{
			Kind:       KindFile,
			Content:    &digest,
			Executable: v.File.Executable,
			Resources:  lazyDirToHashable(liftDir(v.File.Resources)),
		}
	case KindDirectory:
		return lazyHashable{Kind: KindDirectory, Dir: lazyDirToHashable(v.Dir)}
	case KindSymlink:
		return lazyHashable{Kind: KindSymlink, SymTarget: v.Symlink.Target}
	case KindMerge:
		children := make([]lazyHashable, 0, len(v.Merge.Directories))
		for _, c := range v.Merge.Directories {
			children = append(children, lazyToHashable(c.Value))
		}
		return lazyHashable{Kind: KindMerge, Merge: children}
	default:
		return lazyHashable{Kind: v.Kind}
	}
}

func lazyDirToHashable(d *LazyDir) []lazyHashEntry {
	if d == nil {
		return nil
	}
	out := make([]lazyHashEntry, 0, d.Len())
	_ = d.ForEach(func(key string, v LazyWithMeta) error {
		out = append(out, lazyHashEntry{Key: key, Value: lazyToHashable(v.Value)})
		return nil
	})
	return out
}

// LazyFingerprint computes the Resolver's memoization key for v: a
// deterministic structural hash independent of Meta and of any map
// iteration order.
func LazyFingerprint(v LazyValue) (string, error) {
	h, err := hashstructure.Hash(lazyToHashable(v), hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return formatFingerprint(h), nil
}

func formatFingerprint(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}
