// Package wal implements the write-ahead log that guards the write
// pipeline's capture step: a fact is appended here before it is committed
// to the fact store, and the entry is only removed once the store
// acknowledges the write. On startup, any entries still present are
// unflushed writes from a crash and are replayed.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Op identifies the kind of operation a WAL entry recorded.
type Op string

const (
	OpInsert    Op = "insert"
	OpSupersede Op = "supersede"
	OpDelete    Op = "delete"
)

// Entry is a single durable record of an in-flight write. Fields beyond
// Op/FactID are populated as needed by the operation they describe.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Op        Op              `json:"op"`
	FactID    string          `json:"fact_id"`
	OldID     string          `json:"old_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// maxSizeBytes is the threshold at which the WAL is forcibly compacted
// (truncated) rather than left to grow unbounded; spec calls for a warning
// and forced compaction around 10MB.
const maxSizeBytes = 10 * 1 << 20

// MaxAge is how long an entry may sit unflushed before a recovery pass
// treats it as stale and discards it rather than replaying it.
const MaxAge = 5 * time.Minute

// WAL is an append-only, crash-recoverable log of in-flight writes backed
// by a single file. A gofrs/flock file lock guards the file across
// processes; an in-process mutex guards it across goroutines within one
// process.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
	lock *flock.Flock
	seq  uint64
}

// Open opens (creating if necessary) the WAL file at path and takes an
// exclusive file lock, refusing to proceed if another process already
// holds it — running two engines against the same WAL would interleave
// their entries and corrupt recovery.
func Open(path string) (*WAL, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("wal: acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("wal: %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("wal: opening %s: %w", path, err)
	}

	w := &WAL{path: path, file: f, lock: lock}
	w.seq, err = w.maxSeq()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	return w, nil
}

func (w *WAL) maxSeq() (uint64, error) {
	entries, err := w.readAllLocked()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, e := range entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

// Append durably writes a new entry and returns it with its sequence
// number assigned. The caller should hold the corresponding fact store
// write lock for the duration between Append and Clear so the WAL and the
// store never observe interleaved writes for the same fact.
func (w *WAL) Append(op Op, factID, oldID string, payload json.RawMessage) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	entry := Entry{
		Seq: w.seq, Op: op, FactID: factID, OldID: oldID,
		Payload: payload, Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: marshal entry: %w", err)
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return Entry{}, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("wal: fsync: %w", err)
	}
	return entry, nil
}

// Clear removes an entry by sequence number once its write has been
// committed to the fact store. Implemented as compact-and-rewrite since
// the WAL is expected to stay small (entries live only as long as a single
// write takes).
func (w *WAL) Clear(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.readAllLocked()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Seq != seq {
			kept = append(kept, e)
		}
	}
	return w.rewriteLocked(kept)
}

// Pending returns all entries not yet cleared — the crash-recovery set.
func (w *WAL) Pending() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readAllLocked()
}

// Size reports the current WAL file size in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// NeedsCompaction reports whether the WAL has crossed maxSizeBytes and
// should be forcibly compacted by the scheduler's maintenance pass.
func (w *WAL) NeedsCompaction() (bool, error) {
	size, err := w.Size()
	if err != nil {
		return false, err
	}
	return size >= maxSizeBytes, nil
}

// Compact rewrites the WAL keeping only entries newer than keepAfter. Call
// this after a recovery pass has replayed and cleared everything it could;
// anything left past keepAfter is either mid-flight or permanently stuck
// and is reported rather than silently dropped.
func (w *WAL) Compact(keepAfter time.Time) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.readAllLocked()
	if err != nil {
		return nil, err
	}
	var kept, dropped []Entry
	for _, e := range entries {
		if e.Timestamp.After(keepAfter) {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}
	if err := w.rewriteLocked(kept); err != nil {
		return nil, err
	}
	return dropped, nil
}

func (w *WAL) readAllLocked() ([]Entry, error) {
	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("wal: seek: %w", err)
	}
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var entries []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip a torn/partial trailing write from a crash mid-append
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wal: scan: %w", err)
	}
	if _, err := w.file.Seek(0, 2); err != nil {
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}
	return entries, nil
}

func (w *WAL) rewriteLocked(entries []Entry) error {
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("wal: creating temp file: %w", err)
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("wal: marshal entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("wal: write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: fsync temp: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("wal: rename: %w", err)
	}

	w.file.Close()
	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: reopening after rewrite: %w", err)
	}
	w.file = newFile
	return nil
}

// Close releases the WAL's file handle and file lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.file.Close()
	if uerr := w.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
