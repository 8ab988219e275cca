// Package directory implements the path-keyed ordered mapping used by the
// value model: an insert/get/merge structure whose iteration order is
// always the lexicographic order of its keys, which is what makes a
// CompleteValue's structural hash reproducible.
package directory

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// ErrPathConflict is returned when a path segment that must be a Directory
// is occupied by a non-Directory entry.
var ErrPathConflict = errors.New("path conflict")

// Entry is a value a Directory can hold at a path. It is generic over the
// concrete value type (pkg/brioche/value.CompleteWithMeta or
// value.LazyWithMeta in practice) so this package stays independent of the value model and can be
// unit-tested in isolation.
type Entry[V Entry[V]] interface {
	// AsDirectory returns the nested Directory this entry wraps, and true,
	// if and only if this entry is itself a directory.
	AsDirectory() (*Directory[V], bool)
}

// Directory is an ordered mapping from path-component byte strings to
// entries. The zero value is an empty, ready-to-use Directory.
type Directory[V Entry[V]] struct {
	keys    []string // sorted path-component keys, kept in lexicographic order
	entries map[string]V
}

// New returns an empty Directory.
func New[V Entry[V]]() *Directory[V] {
	return &Directory[V]{entries: make(map[string]V)}
}

// Len returns the number of direct entries in the directory.
func (d *Directory[V]) Len() int {
	return len(d.keys)
}

// Keys returns the direct entry keys in lexicographic byte order. The
// returned slice must not be mutated.
func (d *Directory[V]) Keys() []string {
	return d.keys
}

// EntryAt returns the direct entry at key, and whether it exists.
func (d *Directory[V]) EntryAt(key string) (V, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// ForEach iterates direct entries in lexicographic key order.
func (d *Directory[V]) ForEach(fn func(key string, value V) error) error {
	for _, k := range d.keys {
		if err := fn(k, d.entries[k]); err != nil {
			return err
		}
	}
	return nil
}

func splitPath(path []byte) ([]string, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("directory: empty path")
	}
	rawSegments := bytes.Split(path, []byte{'/'})
	segments := make([]string, 0, len(rawSegments))
	for _, seg := range rawSegments {
		if len(seg) == 0 {
			return nil, fmt.Errorf("directory: path %q has an empty segment", path)
		}
		s := string(seg)
		if s == "." || s == ".." {
			return nil, fmt.Errorf("directory: path %q contains a %q segment", path, s)
		}
		segments = append(segments, s)
	}
	return segments, nil
}

func (d *Directory[V]) setDirect(key string, value V) {
	if d.entries == nil {
		d.entries = make(map[string]V)
	}
	if _, exists := d.entries[key]; !exists {
		idx := sort.SearchStrings(d.keys, key)
		d.keys = append(d.keys, "")
		copy(d.keys[idx+1:], d.keys[idx:])
		d.keys[idx] = key
	}
	d.entries[key] = value
}

// Insert assigns value at the multi-component slash-separated path,
// auto-creating intermediate empty Directories as needed. It fails with
// ErrPathConflict if an intermediate segment is already occupied by a
// non-Directory entry.
//
// wrapDir wraps a *Directory[V] into a V (the Entry implementation
// typically owns the tag/variant wrapping) so it can be stored as an
// intermediate entry.
func (d *Directory[V]) Insert(path []byte, value V, wrapDir func(*Directory[V]) V) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	cur := d
	for _, seg := range segments[:len(segments)-1] {
		existing, ok := cur.entries[seg]
		if !ok {
			nested := New[V]()
			cur.setDirect(seg, wrapDir(nested))
			cur = nested
			continue
		}
		nestedDir, isDir := existing.AsDirectory()
		if !isDir {
			return fmt.Errorf("%w: %q is not a directory", ErrPathConflict, seg)
		}
		cur = nestedDir
	}

	last := segments[len(segments)-1]
	cur.setDirect(last, value)
	return nil
}

// Get traverses path and returns the entry at its terminus. It returns
// (zero, false, nil) if any segment is simply missing, and a non-nil error
// wrapping ErrPathConflict if a non-terminal segment is occupied by a
// non-Directory value.
func (d *Directory[V]) Get(path []byte) (V, bool, error) {
	var zero V
	segments, err := splitPath(path)
	if err != nil {
		return zero, false, err
	}

	cur := d
	for _, seg := range segments[:len(segments)-1] {
		existing, ok := cur.entries[seg]
		if !ok {
			return zero, false, nil
		}
		nestedDir, isDir := existing.AsDirectory()
		if !isDir {
			return zero, false, fmt.Errorf("%w: %q is not a directory", ErrPathConflict, seg)
		}
		cur = nestedDir
	}

	last := segments[len(segments)-1]
	v, ok := cur.entries[last]
	if !ok {
		return zero, false, nil
	}
	return v, true, nil
}

// Merge performs a right-biased deep merge of other into a copy of d: for
// each (key, rhsValue) in other, if both sides are directories at that key,
// merge recursively; otherwise rhsValue wins. d and other are not mutated;
// the result is a new Directory.
func (d *Directory[V]) Merge(other *Directory[V], wrapDir func(*Directory[V]) V) *Directory[V] {
	result := d.clone(wrapDir)
	if other == nil {
		return result
	}

	_ = other.ForEach(func(key string, rhs V) error {
		lhs, exists := result.entries[key]
		if exists {
			lhsDir, lhsIsDir := lhs.AsDirectory()
			rhsDir, rhsIsDir := rhs.AsDirectory()
			if lhsIsDir && rhsIsDir {
				merged := lhsDir.Merge(rhsDir, wrapDir)
				result.setDirect(key, wrapDir(merged))
				return nil
			}
		}
		result.setDirect(key, rhs)
		return nil
	})
	return result
}

// clone produces a shallow structural copy of d: nested directories are
// copied recursively so mutating the result never mutates d, but leaf
// values (files, symlinks) are shared since CompleteValues are immutable.
func (d *Directory[V]) clone(wrapDir func(*Directory[V]) V) *Directory[V] {
	out := New[V]()
	_ = d.ForEach(func(key string, v V) error {
		if nested, ok := v.AsDirectory(); ok {
			out.setDirect(key, wrapDir(nested.clone(wrapDir)))
		} else {
			out.setDirect(key, v)
		}
		return nil
	})
	return out
}
