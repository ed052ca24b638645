package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/wal"
)

func openTestEngine(t *testing.T, dir string, window time.Duration) *Engine {
	t.Helper()
	e, err := Open(dir, window, clock.WallClock{})
	require.NoError(t, err)
	return e
}

func TestSetGetDelete(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	defer e.Close()

	require.NoError(t, e.Set("k", "v"))
	v, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, e.Set("k", "v2"))
	v, _ = e.Get("k")
	assert.Equal(t, "v2", v)

	require.NoError(t, e.Delete("k"))
	_, ok = e.Get("k")
	assert.False(t, ok)
}

func TestDeleteMissingKeyFailsWithoutLogging(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	before := e.AppliedSeq()
	require.ErrorIs(t, e.Delete("nope"), ErrKeyNotFound)
	assert.Equal(t, before, e.AppliedSeq(), "a rejected delete must not consume a sequence")
}

func TestRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 0)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Delete("a"))
	seq := e.AppliedSeq()
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, 0)
	defer e.Close()
	_, ok := e.Get("a")
	assert.False(t, ok)
	v, ok := e.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, seq, e.AppliedSeq())
}

func TestBulkSetIsAtomicAcrossCrash(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 0)
	require.NoError(t, e.Set("before", "x"))
	require.NoError(t, e.BulkSet(map[string]string{"p": "1", "q": "2", "r": "3"}))
	require.NoError(t, e.Close())

	// Tear the tail of the bulk record, as a crash mid-append would.
	walPath := filepath.Join(dir, "wal.log")
	fi, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, fi.Size()-2))

	e = openTestEngine(t, dir, 0)
	defer e.Close()
	_, ok := e.Get("before")
	assert.True(t, ok)
	for _, k := range []string{"p", "q", "r"} {
		_, ok := e.Get(k)
		assert.False(t, ok, "no pair of a torn bulk record may survive")
	}
}

func TestSnapshotThenRecovery(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 0)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Snapshot())
	assert.EqualValues(t, 0, e.RecordsSinceSnapshot())
	require.NoError(t, e.Set("c", "3"))
	require.NoError(t, e.Delete("a"))
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, 0)
	defer e.Close()
	_, ok := e.Get("a")
	assert.False(t, ok)
	for k, want := range map[string]string{"b": "2", "c": "3"} {
		v, ok := e.Get(k)
		require.True(t, ok, k)
		assert.Equal(t, want, v)
	}
}

func TestSnapshotCoversWholeLogThenMoreWrites(t *testing.T) {
	// Snapshot with nothing after it, then restart and write: sequence
	// numbering must continue past the snapshot's coverage.
	dir := t.TempDir()
	e := openTestEngine(t, dir, 0)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Snapshot())
	seq := e.AppliedSeq()
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, 0)
	defer e.Close()
	assert.Equal(t, seq, e.AppliedSeq())
	require.NoError(t, e.Set("b", "2"))
	assert.Equal(t, seq+1, e.AppliedSeq())
}

func TestMaybeSnapshotThreshold(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	defer e.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set("k", "v"))
	}
	taken, err := e.MaybeSnapshot(10)
	require.NoError(t, err)
	assert.False(t, taken)
	taken, err = e.MaybeSnapshot(5)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestGroupCommitCoalescesConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, 20*time.Millisecond)

	const writers = 32
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Set(string(rune('a'+i)), "v")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	assert.Equal(t, writers, e.Len())
	require.NoError(t, e.Close())

	l, err := wal.Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	defer l.Close()
	records := 0
	require.NoError(t, l.Replay(func(wal.Record) error { records++; return nil }))
	assert.Less(t, records, writers, "concurrent writes should share records")
	assert.GreaterOrEqual(t, records, 1)
}

func TestApplyReplicatedDeleteOfMissingKeyIsNoop(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	defer e.Close()
	seq, err := e.ApplyReplicated([]wal.Op{{Kind: wal.OpDelete, Key: "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, seq, e.AppliedSeq())
}

func TestApplyHookObservesMutations(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	defer e.Close()

	type event struct {
		key       string
		value     string
		tombstone bool
	}
	var mu sync.Mutex
	var events []event
	e.RegisterApplyHook(func(key, value string, tombstone bool) {
		mu.Lock()
		events = append(events, event{key, value, tombstone})
		mu.Unlock()
	})

	require.NoError(t, e.Set("k", "v"))
	require.NoError(t, e.Delete("k"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, event{"k", "v", false}, events[0])
	assert.True(t, events[1].tombstone)
}

func TestClosedEngineRejectsWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), 0)
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Set("k", "v"), ErrClosed)
	_, err := e.ApplyReplicated([]wal.Op{{Kind: wal.OpSet, Key: "k", Value: "v"}})
	require.ErrorIs(t, err, ErrClosed)
}
