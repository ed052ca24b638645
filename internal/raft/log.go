package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lodestardb/lodestar/internal/wal"
	"github.com/lodestardb/lodestar/internal/wire"
)

const entryHeaderSize = 8

// ErrCorruptLog marks a raft log whose verified frames are internally
// inconsistent (undecodable payload or an index gap). As with the storage WAL
// this is not a crash artifact and fails startup.
var ErrCorruptLog = errors.New("raft: irrecoverable log corruption")

// Entry is one replicated log slot. Ops carries the client batch verbatim; the
// engine sees it only after the slot commits.
type Entry struct {
	Term  uint64   `json:"term"`
	Index uint64   `json:"index"`
	Ops   []wal.Op `json:"ops"`
}

// EntryLog is the per-node persisted raft log. Entries are held in memory and
// mirrored to disk with the same CRC-framed encoding as the storage WAL; an
// entry is only reported appended once its frame is fsynced, which is what
// lets a follower's ack count toward the leader's quorum.
type EntryLog struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	entries []Entry // entries[i].Index == i+1
}

// OpenEntryLog opens (or creates) the log at path. A torn trailing frame is
// truncated away; it belongs to an append that was never acked.
func OpenEntryLog(path string) (*EntryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	l := &EntryLog{path: path, f: f}

	validEnd, err := l.load()
	if err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if validEnd < fi.Size() {
		slog.Warn("raft: discarding torn log tail",
			slog.String("path", path),
			slog.Int64("discarded_bytes", fi.Size()-validEnd))
		if err := f.Truncate(validEnd); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *EntryLog) load() (int64, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var offset int64
	r := io.Reader(l.f)
	for {
		var hdr [entryHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return offset, nil
		}
		sum := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		if length > wire.MaxFrameSize {
			return offset, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return offset, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return offset, nil
		}
		var e Entry
		if err := wire.Unmarshal(payload, &e); err != nil {
			return 0, fmt.Errorf("%w: undecodable entry at offset %d: %v", ErrCorruptLog, offset, err)
		}
		if e.Index != uint64(len(l.entries))+1 {
			return 0, fmt.Errorf("%w: index gap at offset %d: got %d want %d",
				ErrCorruptLog, offset, e.Index, len(l.entries)+1)
		}
		l.entries = append(l.entries, e)
		offset += int64(entryHeaderSize) + int64(length)
	}
}

func frameEntry(e Entry) ([]byte, error) {
	payload, err := wire.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, entryHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[entryHeaderSize:], payload)
	return frame, nil
}

// Append persists entries at the tail, fsyncing once for the whole run.
// Entries must continue the log contiguously.
func (l *EntryLog) Append(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	offset, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.Index != uint64(len(l.entries)+i)+1 {
			return fmt.Errorf("raft: non-contiguous append: got index %d want %d",
				e.Index, len(l.entries)+i+1)
		}
		frame, err := frameEntry(e)
		if err != nil {
			return err
		}
		if _, err := l.f.Write(frame); err != nil {
			l.rollbackTo(offset)
			return fmt.Errorf("raft: log append: %w", err)
		}
	}
	if err := l.f.Sync(); err != nil {
		l.rollbackTo(offset)
		return fmt.Errorf("raft: log sync: %w", err)
	}
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *EntryLog) rollbackTo(offset int64) {
	if err := l.f.Truncate(offset); err != nil {
		slog.Error("raft: log rollback after failed append also failed",
			slog.String("path", l.path), slog.Any("error", err))
	}
}

// TruncateSuffix drops every entry with Index >= from by rewriting the
// retained prefix into a temp file and renaming it into place. Used when a
// follower's log diverges from the leader's.
func (l *EntryLog) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from > uint64(len(l.entries)) {
		return nil
	}
	keep := l.entries[:from-1]

	tmpPath := l.path + ".trunc.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, e := range keep {
		frame, ferr := frameEntry(e)
		if ferr == nil {
			_, ferr = tmp.Write(frame)
		}
		if ferr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return ferr
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	old := l.f
	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	l.f = f
	old.Close()
	l.entries = l.entries[:from-1]
	return nil
}

// LastIndex returns the index of the last entry, 0 for an empty log.
func (l *EntryLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, 0 for an empty log.
func (l *EntryLog) LastTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// Term returns the term of the entry at index, 0 for index 0.
func (l *EntryLog) Term(index uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 {
		return 0, true
	}
	if index > uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

// Get returns the entry at index.
func (l *EntryLog) Get(index uint64) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index-1], true
}

// Slice copies out entries [from, LastIndex].
func (l *EntryLog) Slice(from uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == 0 || from > uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, uint64(len(l.entries))-from+1)
	copy(out, l.entries[from-1:])
	return out
}

// Close syncs and closes the log file.
func (l *EntryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
