package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestardb/lodestar/internal/wire"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	return l
}

func appendOne(t *testing.T, l *Log, key, value string) uint64 {
	t.Helper()
	seq, err := l.Append([]Op{{Kind: OpSet, Key: key, Value: value}}, time.Now())
	require.NoError(t, err)
	return seq
}

func replayAll(t *testing.T, l *Log) []Record {
	t.Helper()
	var recs []Record
	require.NoError(t, l.Replay(func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}))
	return recs
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	require.Equal(t, uint64(1), appendOne(t, l, "a", "1"))
	require.Equal(t, uint64(2), appendOne(t, l, "b", "2"))
	_, err := l.Append([]Op{{Kind: OpDelete, Key: "a"}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	recs := replayAll(t, l)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "a", recs[0].Ops[0].Key)
	assert.Equal(t, OpDelete, recs[2].Ops[0].Kind)
	assert.Equal(t, uint64(3), l.LastSeq())
}

func TestBatchRecordKeepsOpsTogether(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	ops := []Op{
		{Kind: OpSet, Key: "x", Value: "1"},
		{Kind: OpSet, Key: "y", Value: "2"},
		{Kind: OpSet, Key: "z", Value: "3"},
	}
	seq, err := l.Append(ops, time.Now())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.NoError(t, l.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	recs := replayAll(t, l)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Ops, 3)
}

func TestTornTailDiscardedOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	l := openTestLog(t, dir)
	appendOne(t, l, "a", "1")
	appendOne(t, l, "b", "2")
	appendOne(t, l, "c", "3")
	require.NoError(t, l.Close())

	// Chop a few bytes off the last frame, as a crash mid-write would.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	l = openTestLog(t, dir)
	defer l.Close()
	recs := replayAll(t, l)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].Ops[0].Key)

	// The log must stay appendable with a continuous sequence.
	assert.Equal(t, uint64(3), appendOne(t, l, "d", "4"))
}

func TestChecksumFailureEndsValidPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	l := openTestLog(t, dir)
	appendOne(t, l, "a", "1")
	off, err := l.f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	appendOne(t, l, "b", "2")
	require.NoError(t, l.Close())

	// Flip one payload byte of the second record.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[off+frameHeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	l = openTestLog(t, dir)
	defer l.Close()
	recs := replayAll(t, l)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Ops[0].Key)
}

func writeRawRecord(t *testing.T, f *os.File, rec Record) {
	t.Helper()
	payload, err := wire.Marshal(rec)
	require.NoError(t, err)
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	_, err = f.Write(hdr[:])
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
}

func TestSequenceGapIsHardCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeRawRecord(t, f, Record{Seq: 1, Ops: []Op{{Kind: OpSet, Key: "a", Value: "1"}}})
	writeRawRecord(t, f, Record{Seq: 3, Ops: []Op{{Kind: OpSet, Key: "b", Value: "2"}}})
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFirstRecordMayStartPastOne(t *testing.T) {
	// After compaction the retained log starts mid-history.
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeRawRecord(t, f, Record{Seq: 7, Ops: []Op{{Kind: OpSet, Key: "a", Value: "1"}}})
	writeRawRecord(t, f, Record{Seq: 8, Ops: []Op{{Kind: OpSet, Key: "b", Value: "2"}}})
	require.NoError(t, f.Close())

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(8), l.LastSeq())
	assert.Equal(t, uint64(9), appendOne(t, l, "c", "3"))
}

func TestTruncateThrough(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	for i := 0; i < 5; i++ {
		appendOne(t, l, "k", "v")
	}
	require.NoError(t, l.TruncateThrough(3))
	assert.Equal(t, uint64(5), l.LastSeq())

	recs := replayAll(t, l)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Seq)

	// Appends continue on the compacted file.
	assert.Equal(t, uint64(6), appendOne(t, l, "k2", "v2"))
	require.NoError(t, l.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	assert.Equal(t, uint64(6), l.LastSeq())
}

func TestAlignNextSeq(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	defer l.Close()
	l.AlignNextSeq(10)
	assert.Equal(t, uint64(10), appendOne(t, l, "a", "1"))
	// Never moves backwards.
	l.AlignNextSeq(2)
	assert.Equal(t, uint64(11), appendOne(t, l, "b", "2"))
}
