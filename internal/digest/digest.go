// Package digest computes and caches content digests of files on disk,
// with a size+mtime fast-path so unchanged files are not re-read on every
// build (§4.3 Hasher and FileDigest).
package digest

import (
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/forgebuild/forge/internal/errs"
)

// Size of the strong hash, in bytes: BLAKE2b truncated to 128 bits.
const strongHashSize = 16

// StatKey is the fast-path identity of a file's metadata.
type StatKey struct {
	Size      int64
	ModTime   int64 // UnixNano
	IsSymlink bool
}

// Digest is the FileDigest tuple from §3 DATA MODEL.
type Digest struct {
	Stat       StatKey
	StrongHash [strongHashSize]byte
	// SymlinkTarget records what a symlinked input resolved to, so that
	// replacing a regular file with a symlink to identical bytes still
	// invalidates the cache (§4.3 "Symlinks").
	SymlinkTarget string
}

// Equivalent reports whether two digests have the same strong hash content
// and the same symlink target, ignoring stat metadata.
func (d Digest) Equivalent(other Digest) bool {
	return d.StrongHash == other.StrongHash && d.SymlinkTarget == other.SymlinkTarget
}

// HexHash renders the strong hash for logs and on-disk records.
func (d Digest) HexHash() string {
	return hex.EncodeToString(d.StrongHash[:])
}

// entry is what both cache tiers store.
type entry struct {
	stat   StatKey
	digest Digest
}

// Cache is a two-tier digest cache: an in-memory per-run tier and an
// optional persistent per-root tier, plus per-path single-flight so a file
// is hashed at most once per build even under contention (§5).
type Cache struct {
	mu       sync.Mutex
	run      map[string]entry
	inflight map[string]*sync.WaitGroup
	persist  PersistentStore
}

// PersistentStore is the subset of CommandStorage's side-index used to
// promote previously-seen strong hashes across runs without re-reading the
// file, per step 3 of §4.3. Implemented by the storage package.
type PersistentStore interface {
	LookupDigest(path string) (Digest, bool)
	RecordDigest(path string, d Digest)
}

// noopStore satisfies PersistentStore when no cross-run cache is wired.
type noopStore struct{}

func (noopStore) LookupDigest(string) (Digest, bool) { return Digest{}, false }
func (noopStore) RecordDigest(string, Digest)        {}

// NewCache builds a digest Cache. persist may be nil to disable the
// cross-run tier (run-local caching only).
func NewCache(persist PersistentStore) *Cache {
	if persist == nil {
		persist = noopStore{}
	}
	return &Cache{
		run:      make(map[string]entry),
		inflight: make(map[string]*sync.WaitGroup),
		persist:  persist,
	}
}

// Compute implements the four-step algorithm of §4.3:
//  1. stat the path
//  2. consult the in-memory per-run cache
//  3. consult the persistent per-root cache
//  4. otherwise stream-read and hash
func (c *Cache) Compute(path string) (Digest, error) {
	for {
		c.mu.Lock()
		if wg, busy := c.inflight[path]; busy {
			c.mu.Unlock()
			wg.Wait()
			continue
		}
		if e, ok := c.run[path]; ok {
			stat, statErr := statKey(path)
			if statErr == nil && stat == e.stat {
				c.mu.Unlock()
				return e.digest, nil
			}
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		c.inflight[path] = wg
		c.mu.Unlock()

		d, err := c.computeLocked(path)

		c.mu.Lock()
		delete(c.inflight, path)
		c.mu.Unlock()
		wg.Done()

		return d, err
	}
}

func (c *Cache) computeLocked(path string) (Digest, error) {
	stat, err := statKey(path)
	if err != nil {
		return Digest{}, errs.Wrap(errs.KindMissingInput, err, "stat "+path)
	}

	if d, ok := c.persist.LookupDigest(path); ok && d.Stat == stat {
		c.storeRun(path, stat, d)
		return d, nil
	}

	d, err := hashFile(path, stat)
	if err != nil {
		return Digest{}, err
	}

	c.persist.RecordDigest(path, d)
	c.storeRun(path, stat, d)
	return d, nil
}

func (c *Cache) storeRun(path string, stat StatKey, d Digest) {
	c.mu.Lock()
	c.run[path] = entry{stat: stat, digest: d}
	c.mu.Unlock()
}

// Invalidate drops any cached entry for path, used when a command removes
// or rewrites its declared outputs.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.run, path)
	c.mu.Unlock()
}

func statKey(path string) (StatKey, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return StatKey{}, err
	}
	isSymlink := fi.Mode()&os.ModeSymlink != 0
	size := fi.Size()
	modTime := fi.ModTime().UnixNano()
	if isSymlink {
		// Stat through the symlink for size/mtime so content changes in the
		// target are observed; IsSymlink alone records the shape change.
		if target, statErr := os.Stat(path); statErr == nil {
			size = target.Size()
			modTime = target.ModTime().UnixNano()
		}
	}
	return StatKey{Size: size, ModTime: modTime, IsSymlink: isSymlink}, nil
}

const readChunkSize = 64 * 1024

func hashFile(path string, stat StatKey) (Digest, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return Digest{}, errs.New(errs.KindInvalidCommand, "declared input is a directory: "+path)
	}

	resolved := path
	var symlinkTarget string
	if stat.IsSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return Digest{}, errs.Wrap(errs.KindMissingInput, err, "readlink "+path)
		}
		symlinkTarget = target
		resolved = path // os.Open follows symlinks transparently
	}

	f, err := os.Open(resolved)
	if err != nil {
		return Digest{}, errs.Wrap(errs.KindMissingInput, err, "open "+path)
	}
	defer f.Close()

	h, err := blake2b.New(strongHashSize, nil)
	if err != nil {
		return Digest{}, errs.Wrap(errs.KindStorageIOError, err, "init blake2b")
	}

	buf := make([]byte, readChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return Digest{}, errs.Wrap(errs.KindMissingInput, err, "read "+path)
	}

	var out [strongHashSize]byte
	copy(out[:], h.Sum(nil))

	return Digest{Stat: stat, StrongHash: out, SymlinkTarget: symlinkTarget}, nil
}

// FastDigestEquivalent implements the freshness fast path of §4.4 step 3:
// a size+mtime comparison, falling back to a strong-hash recompute when the
// recorded mtime is within recentWindow of now (defeats same-second
// overwrites).
func FastDigestEquivalent(recorded Digest, path string, recentWindow time.Duration, cache *Cache) (bool, error) {
	stat, err := statKey(path)
	if err != nil {
		return false, err
	}
	if stat != recorded.Stat {
		return false, nil
	}
	age := time.Since(time.Unix(0, stat.ModTime))
	if age >= 0 && age < recentWindow {
		fresh, err := cache.Compute(path)
		if err != nil {
			return false, err
		}
		return fresh.Equivalent(recorded), nil
	}
	return true, nil
}
