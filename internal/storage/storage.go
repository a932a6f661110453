// Package storage implements CommandStorage (§4.4): a durable, crash-safe,
// cross-process-safe mapping from a command's fingerprint to its
// last-observed output digests, used to decide whether a command is fresh.
package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zstd"
	"github.com/nightlyone/lockfile"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/fileref"
	"github.com/forgebuild/forge/internal/hasher"
)

// Record is the in-memory view of a CommandStorage entry (§3).
type Record struct {
	Fingerprint hasher.Fingerprint
	ExitCode    int32
	Outputs     map[string]digest.Digest // relative path -> digest
	RecordedAt  time.Time
}

// Storage is a single append-only log per build root, replayed into an
// in-memory index on open (§4.4).
type Storage struct {
	logger hclog.Logger

	root     string
	logPath  string
	lockPath string

	mu      sync.RWMutex
	index   map[hasher.Fingerprint]Record
	claims  map[string]hasher.Fingerprint // output path -> claiming fingerprint, this run only
	logSize int64

	file *os.File
	lock lockfile.Lockfile
}

const logFileName = "commands.log"
const lockFileName = "commands.lock"
const snapshotsDirName = "snapshots"

// Open opens (creating if necessary) the CommandStorage rooted at root,
// acquiring the cross-process advisory lock and replaying the log into
// memory. The lock is held for the lifetime of the Storage; callers must
// call Close.
func Open(root string, logger hclog.Logger) (*Storage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	// lockfile.New only accepts absolute paths.
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageIOError, err, "resolve storage root")
	}
	root = absRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorageIOError, err, "mkdir storage root")
	}

	logPath := filepath.Join(root, logFileName)
	lockPath := filepath.Join(root, lockFileName)

	lock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageIOError, err, "construct lockfile")
	}
	// lockfile offers no blocking lock, so contention is retried every 10ms;
	// Open fails if the lock is still held by another process after 30s.
	if err := acquireWithRetry(lock, logger); err != nil {
		return nil, errs.Wrap(errs.KindStorageIOError, err, "acquire storage lock")
	}

	s := &Storage{
		logger:   logger.Named("storage"),
		root:     root,
		logPath:  logPath,
		lockPath: lockPath,
		index:    make(map[hasher.Fingerprint]Record),
		claims:   make(map[string]hasher.Fingerprint),
		lock:     lock,
	}

	if err := s.replay(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, errs.Wrap(errs.KindStorageIOError, err, "open log for append")
	}
	s.file = f

	return s, nil
}

func acquireWithRetry(lock lockfile.Lockfile, logger hclog.Logger) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		err := lock.TryLock()
		if err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return err
		}
		logger.Debug("storage lock contended, retrying", "path", string(lock))
		time.Sleep(10 * time.Millisecond)
	}
}

// Close flushes and releases the storage root.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ferr error
	if s.file != nil {
		ferr = s.file.Close()
	}
	lerr := s.lock.Unlock()
	if ferr != nil {
		return errs.Wrap(errs.KindStorageIOError, ferr, "close log")
	}
	if lerr != nil {
		return errs.Wrap(errs.KindStorageIOError, lerr, "release storage lock")
	}
	return nil
}

// replay reads the on-disk log into the in-memory index. The file is read
// sequentially through a buffered reader; it is not memory-mapped. A
// truncated trailing record is ignored rather than treated as corruption.
func (s *Storage) replay() error {
	f, err := os.Open(s.logPath)
	if os.IsNotExist(err) {
		return s.initFreshLog()
	}
	if err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "open log for replay")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "stat log")
	}
	if fi.Size() == 0 {
		return s.initFreshLog()
	}

	br := bufio.NewReader(f)
	if _, err := readHeader(br); err != nil {
		s.logger.Warn("log header unreadable, starting fresh", "error", err)
		return s.initFreshLog()
	}

	consumed := int64(16) // magic(4) + version(4) + epoch(8)

	for {
		rec, err := readRecord(br)
		if err == errTruncated {
			s.logger.Debug("ignoring truncated trailing record")
			break
		}
		if err != nil {
			break
		}
		s.applyRecord(rec)
		consumed += recordWireSize(rec)
	}

	s.logSize = consumed
	return nil
}

func recordWireSize(rec record) int64 {
	payloadSize := 16 + 4 + 4
	for _, o := range rec.Outputs {
		payloadSize += 2 + len(o.Path) + 16 + 8 + 8
	}
	return int64(4 + payloadSize + 4)
}

func (s *Storage) initFreshLog() error {
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "create fresh log")
	}
	defer f.Close()
	if err := writeHeader(f, header{Version: formatVersion, Epoch: uint64(time.Now().Unix())}); err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "write log header")
	}
	s.logSize = 16
	return nil
}

func (s *Storage) applyRecord(rec record) {
	outputs := make(map[string]digest.Digest, len(rec.Outputs))
	for _, o := range rec.Outputs {
		outputs[o.Path] = o.Digest
	}
	s.index[rec.Fingerprint] = Record{
		Fingerprint: rec.Fingerprint,
		ExitCode:    rec.ExitCode,
		Outputs:     outputs,
		RecordedAt:  time.Now(),
	}
}

// Lookup returns the stored record for fingerprint, if any.
func (s *Storage) Lookup(fp hasher.Fingerprint) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.index[fp]
	return rec, ok
}

// Record persists a command's outputs after a successful run, appending to
// the log with write+fdatasync on the record boundary (§4.4) and
// compacting if the log has grown past 2x the index size.
func (s *Storage) Record(fp hasher.Fingerprint, outputs map[string]digest.Digest, exitCode int32) error {
	rec := record{Fingerprint: fp, ExitCode: exitCode}
	for path, d := range outputs {
		rec.Outputs = append(rec.Outputs, outputEntry{Path: path, Digest: d})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := encodeRecord(rec)
	if _, err := s.file.Write(buf); err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "append record")
	}
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.KindStorageIOError, err, "fdatasync record")
	}

	s.index[fp] = Record{Fingerprint: fp, ExitCode: exitCode, Outputs: outputs, RecordedAt: time.Now()}
	s.logSize += int64(len(buf))

	if s.logSize > 2*s.estimatedIndexSizeLocked() {
		if err := s.compactLocked(); err != nil {
			// Compaction failure loses incrementality, not correctness
			// (§7: "StorageIOError is not fatal to execution").
			s.logger.Warn("compaction failed", "error", err)
		}
	}
	return nil
}

func (s *Storage) estimatedIndexSizeLocked() int64 {
	var size int64
	for _, rec := range s.index {
		size += 24
		for path := range rec.Outputs {
			size += int64(len(path)) + 32
		}
	}
	if size == 0 {
		return 16
	}
	return size
}

// compactLocked replaces the log with a fresh snapshot of the current
// in-memory index (§4.4 "A compaction step replaces the log with a fresh
// snapshot when log size exceeds 2x index size"). Caller must hold s.mu.
func (s *Storage) compactLocked() error {
	tmpPath := s.logPath + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := writeHeader(f, header{Version: formatVersion, Epoch: uint64(time.Now().Unix())}); err != nil {
		f.Close()
		return err
	}

	size := int64(16)
	for fp, rec := range s.index {
		wire := record{Fingerprint: fp, ExitCode: rec.ExitCode}
		for path, d := range rec.Outputs {
			wire.Outputs = append(wire.Outputs, outputEntry{Path: path, Digest: d})
		}
		buf := encodeRecord(wire)
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
		size += int64(len(buf))
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.logPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = newFile
	s.logSize = size
	s.logger.Debug("compacted storage log", "new_size", size)

	if err := s.writeCompressedSnapshotLocked(); err != nil {
		// An archival snapshot is a convenience for forensics, not load-bearing
		// for correctness: failing to write one never fails compaction.
		s.logger.Warn("failed to write compressed snapshot", "error", err)
	}
	return nil
}

// writeCompressedSnapshotLocked writes a zstd-compressed copy of the
// just-compacted index under root/snapshots: one zstd stream holding every
// record in the log's wire format (without the log header), so the
// snapshot can be inspected independently of the live, uncompressed log.
// Caller must hold s.mu.
func (s *Storage) writeCompressedSnapshotLocked() error {
	dir := filepath.Join(s.root, snapshotsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	name := filepath.Join(dir, "commands-"+snapshotSuffix(s.logSize))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	defer enc.Close()

	for fp, rec := range s.index {
		wire := record{Fingerprint: fp, ExitCode: rec.ExitCode}
		for path, d := range rec.Outputs {
			wire.Outputs = append(wire.Outputs, outputEntry{Path: path, Digest: d})
		}
		if _, err := enc.Write(encodeRecord(wire)); err != nil {
			return err
		}
	}
	return enc.Close()
}

// snapshotSuffix gives each archival snapshot a distinct, deterministic name
// derived from the log size at the moment of compaction rather than a
// wall-clock timestamp, so repeated compactions to the same size overwrite
// the same snapshot instead of accumulating forever.
func snapshotSuffix(logSize int64) string {
	const hex = "0123456789abcdef"
	if logSize == 0 {
		return "0.log.zst"
	}
	var buf [20]byte
	i := len(buf)
	n := logSize
	for n > 0 {
		i--
		buf[i] = hex[n&0xf]
		n >>= 4
	}
	return string(buf[i:]) + ".log.zst"
}

// ClaimOutput records that fingerprint is writing path during this run; it
// fails with a KindInvalidCommand "output collision" error if a different
// fingerprint has already claimed the same path this run (§4.4 "claim_output").
func (s *Storage) ClaimOutput(path fileref.FileRef, fp hasher.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(path)
	if existing, ok := s.claims[key]; ok && existing != fp {
		return errs.New(errs.KindInvalidCommand, "output collision: "+key).
			WithDetail(struct{ A, B string }{existing.Hex(), fp.Hex()})
	}
	s.claims[key] = fp
	return nil
}

// LookupDigest and RecordDigest implement digest.PersistentStore, reusing
// recorded output digests as the per-root cross-run digest cache (§4.3 step
// 3): a path that a prior run recorded as a command output is recognized
// without re-reading, since its strong hash is already in the index.
func (s *Storage) LookupDigest(path string) (digest.Digest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.index {
		if d, ok := rec.Outputs[path]; ok {
			return d, true
		}
	}
	return digest.Digest{}, false
}

// RecordDigest is a no-op: digests of plain inputs (as opposed to command
// outputs) are promoted into the persistent tier only via Record, when they
// are also someone's declared output. Input-only files re-hash each run,
// which is how DESIGN.md ("Open Questions resolved", item 1) settles the
// scope of the persistent digest cache.
func (s *Storage) RecordDigest(string, digest.Digest) {}
