// Package wal implements the durable append-only log of mutations. Every
// record is framed as [4B CRC32(payload)][4B payload length][payload] with the
// payload being the canonical JSON encoding of the record. A record is durable
// only once its bytes are fsynced; Append does not return before that, which
// is what makes an acknowledged write survive kill -9.
package wal

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
	"time"

	"github.com/lodestardb/lodestar/internal/observability"
	"github.com/lodestardb/lodestar/internal/wire"
)

const frameHeaderSize = 8

// ErrCorrupt marks corruption beyond the last valid checksum boundary: a frame
// whose checksum verifies but whose contents are undecodable or out of
// sequence. Unlike a torn tail this cannot be attributed to a crash mid-append
// and is surfaced as a hard startup failure.
var ErrCorrupt = errors.New("wal: irrecoverable corruption")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("wal: log closed")

// Op kinds.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Op is a single mutation.
type Op struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Record is one WAL entry: a group-commit batch of ops sharing one durable
// sequence number. A BULK_SET is a single record, so its atomicity on replay
// falls out of the framing.
type Record struct {
	Seq       uint64 `json:"seq"`
	Ops       []Op   `json:"ops"`
	Timestamp int64  `json:"ts"`
}

// Log is the single-file WAL for one node.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	nextSeq uint64
	closed  bool
}

// Open opens (or creates) the log at path and scans it end to end. A torn or
// checksum-failing trailing run is discarded and the file truncated back to
// the last valid frame boundary; those bytes can only belong to writes that
// were never acknowledged. Decodable-but-out-of-sequence records yield
// ErrCorrupt.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	l := &Log{path: path, f: f, nextSeq: 1}

	validEnd, lastSeq, err := l.scan(func(Record) error { return nil })
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
		slog.Warn("wal: discarding torn trailing run",
			slog.String("path", path),
			slog.Int64("valid_bytes", validEnd),
			slog.Int64("discarded_bytes", fi.Size()-validEnd))
		observability.WALReplayDiscardedTotal.Inc()
		if err := f.Truncate(validEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: truncating torn tail: %w", err)
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
	l.nextSeq = lastSeq + 1
	return l, nil
}

// scan walks the file from the start, invoking fn for every valid record.
// It returns the byte offset of the end of the last valid frame and the last
// valid sequence number.
func (l *Log) scan(fn func(Record) error) (int64, uint64, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	var (
		offset  int64
		lastSeq uint64
		first   = true
	)
	r := io.Reader(l.f)
	for {
		var hdr [frameHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			// Clean EOF at a frame boundary or a torn header: both end the
			// valid prefix here.
			return offset, lastSeq, nil
		}
		sum := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint32(hdr[4:8])
		if length > wire.MaxFrameSize {
			return offset, lastSeq, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return offset, lastSeq, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return offset, lastSeq, nil
		}
		var rec Record
		if err := wire.Unmarshal(payload, &rec); err != nil {
			return 0, 0, fmt.Errorf("%w: undecodable record at offset %d: %v", ErrCorrupt, offset, err)
		}
		// The first record may start anywhere (the prefix is dropped by
		// compaction); after that sequences must be gap-free.
		if !first && rec.Seq != lastSeq+1 {
			return 0, 0, fmt.Errorf("%w: sequence gap at offset %d: got %d want %d", ErrCorrupt, offset, rec.Seq, lastSeq+1)
		}
		first = false
		if err := fn(rec); err != nil {
			return 0, 0, err
		}
		lastSeq = rec.Seq
		offset += int64(frameHeaderSize) + int64(length)
	}
}

// Replay re-reads the log from the start, yielding every durable record in
// order. Only called during recovery, before any Append.
func (l *Log) Replay(fn func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, _, err := l.scan(fn); err != nil {
		return err
	}
	_, err := l.f.Seek(0, io.SeekEnd)
	return err
}

// Append writes one record containing ops, fsyncs, and returns its sequence
// number. On a write or sync failure the partial frame is truncated away so
// the log never retains a half-written record.
func (l *Log) Append(ops []Op, now time.Time) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	rec := Record{Seq: l.nextSeq, Ops: ops, Timestamp: now.UnixNano()}
	payload, err := wire.Marshal(rec)
	if err != nil {
		return 0, err
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	offset, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := l.f.Write(frame); err != nil {
		l.rollbackTo(offset)
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.rollbackTo(offset)
		return 0, fmt.Errorf("wal: sync: %w", err)
	}
	l.nextSeq++
	observability.WALAppendsTotal.Inc()
	observability.WALSyncsTotal.Inc()
	return rec.Seq, nil
}

func (l *Log) rollbackTo(offset int64) {
	if err := l.f.Truncate(offset); err != nil {
		slog.Error("wal: rollback after failed append also failed",
			slog.String("path", l.path), slog.Any("error", err))
	}
}

// LastSeq returns the sequence of the most recently appended durable record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// AlignNextSeq raises the next sequence to at least seq. Recovery calls this
// when the snapshot covers more history than the (truncated) log retains.
func (l *Log) AlignNextSeq(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.nextSeq {
		l.nextSeq = seq
	}
}

// TruncateThrough drops every record with Seq <= seq by rewriting the
// remainder into a temp file and renaming it into place. Called only after
// the covering snapshot is durably on disk; interrupting it at any point
// leaves either the old or the new file, both of which replay correctly.
func (l *Log) TruncateThrough(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	tmpPath := l.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, _, err = l.scan(func(rec Record) error {
		if rec.Seq <= seq {
			return nil
		}
		payload, merr := wire.Marshal(rec)
		if merr != nil {
			return merr
		}
		var hdr [frameHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(payload))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
		if _, werr := tmp.Write(hdr[:]); werr != nil {
			return werr
		}
		_, werr := tmp.Write(payload)
		return werr
	})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
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
	// The old handle points at the unlinked file; reopen for appends.
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
	return nil
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
