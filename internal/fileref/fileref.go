// Package fileref provides a canonical, comparable representation of an
// absolute filesystem path, used throughout the build engine to identify
// command inputs, outputs, and working directories.
package fileref

import (
	"path/filepath"
	"sort"
	"strings"
)

// FileRef is an absolute, canonicalised filesystem path. Two FileRefs
// compare equal iff their normalised byte representations match; on a
// case-insensitive filesystem callers should lower-case before constructing
// one (New does not second-guess the filesystem).
type FileRef string

// New canonicalises p into a FileRef: it is made absolute against cwd (if
// relative), cleaned, and has any trailing separator stripped.
func New(p string, cwd string) (FileRef, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return FileRef(filepath.Clean(abs)), nil
}

// MustNew is like New but panics on error; only meant for tests and for
// paths that are statically known to be valid (e.g. os.Getwd results).
func MustNew(p string, cwd string) FileRef {
	r, err := New(p, cwd)
	if err != nil {
		panic(err)
	}
	return r
}

// String implements fmt.Stringer.
func (f FileRef) String() string {
	return string(f)
}

// Dir returns the FileRef of the containing directory.
func (f FileRef) Dir() FileRef {
	return FileRef(filepath.Dir(string(f)))
}

// Join appends relative path segments.
func (f FileRef) Join(segments ...string) FileRef {
	parts := append([]string{string(f)}, segments...)
	return FileRef(filepath.Join(parts...))
}

// RelativeTo renders f relative to base using forward slashes, for
// embedding in fingerprints and on-disk records in a platform-independent
// way. Paths outside base come back as ".."-prefixed relative paths; f is
// returned unchanged (in slash form) only when no relative path exists.
func (f FileRef) RelativeTo(base FileRef) string {
	rel, err := filepath.Rel(string(base), string(f))
	if err != nil {
		return filepath.ToSlash(string(f))
	}
	return filepath.ToSlash(rel)
}

// IsWithin reports whether f is base or a descendant of base.
func (f FileRef) IsWithin(base FileRef) bool {
	rel, err := filepath.Rel(string(base), string(f))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Set is a small helper used to enforce the "no two outputs may normalise
// equal" invariant (§3 DATA MODEL) and for input/output membership tests.
type Set map[FileRef]struct{}

// NewSet builds a Set from a slice, the caller's responsibility to check
// for duplicates first if duplicates must be rejected.
func NewSet(refs ...FileRef) Set {
	s := make(Set, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a FileRef, returning false if it was already present.
func (s Set) Add(r FileRef) bool {
	if _, ok := s[r]; ok {
		return false
	}
	s[r] = struct{}{}
	return true
}

// Has reports membership.
func (s Set) Has(r FileRef) bool {
	_, ok := s[r]
	return ok
}

// List returns the members in sorted order, for deterministic iteration
// (fingerprinting, logging).
func (s Set) List() []FileRef {
	out := make([]FileRef, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
