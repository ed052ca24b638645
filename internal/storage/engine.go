// Package storage owns the in-memory map and the durability pipeline around
// it. All mutations, whether they come from a local client, a raft commit, or
// a gossip merge, serialize through one commit path: WAL append + fsync first,
// then map apply, then hooks. Reads never touch the log.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/logging"
	"github.com/lodestardb/lodestar/internal/observability"
	"github.com/lodestardb/lodestar/internal/wal"
)

var (
	ErrKeyNotFound = errors.New("storage: key not found")
	ErrClosed      = errors.New("storage: engine closed")
)

// ApplyHook observes every applied mutation, invoked synchronously after the
// map reflects it. This is the boundary the indexing subsystem consumes.
type ApplyHook func(key, value string, tombstone bool)

// maxBatchOps caps how many ops one group-commit record may carry.
const maxBatchOps = 1024

type writeReq struct {
	ops  []wal.Op
	resp chan error
}

// Engine is the durable single-node storage engine.
type Engine struct {
	mu         sync.RWMutex // guards data + appliedSeq
	data       map[string]string
	appliedSeq uint64

	commitMu sync.Mutex // serializes append+apply so batches hit the log in order
	log      *wal.Log
	snapPath string
	clk      clock.Clock
	hooks    []ApplyHook

	window        time.Duration
	writeCh       chan *writeReq
	stopCh        chan struct{}
	batcherDone   chan struct{}
	closed        atomic.Bool
	recsSinceSnap atomic.Int64
}

// Open recovers the engine from dir: latest valid snapshot first, then replay
// of every WAL record past it, in order. On return the map reflects exactly
// the prefix of history that was durable at crash time.
func Open(dir string, window time.Duration, clk clock.Clock) (*Engine, error) {
	snapPath := filepath.Join(dir, "snapshot.json")
	snap, err := loadSnapshot(snapPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		data:        make(map[string]string),
		snapPath:    snapPath,
		clk:         clk,
		window:      window,
		writeCh:     make(chan *writeReq, 256),
		stopCh:      make(chan struct{}),
		batcherDone: make(chan struct{}),
	}
	if snap != nil {
		e.data = snap.State
		e.appliedSeq = snap.LastIncludedSeq
	}

	l, err := wal.Open(filepath.Join(dir, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("storage: opening wal: %w", err)
	}
	replayed := 0
	err = l.Replay(func(rec wal.Record) error {
		// Records already covered by the snapshot replay idempotently: skip.
		if rec.Seq <= e.appliedSeq {
			return nil
		}
		for _, op := range rec.Ops {
			e.applyOp(op)
		}
		e.appliedSeq = rec.Seq
		replayed++
		return nil
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	l.AlignNextSeq(e.appliedSeq + 1)
	e.log = l
	e.recsSinceSnap.Store(int64(replayed))

	slog.Info("storage engine recovered",
		slog.Int("keys", len(e.data)),
		slog.Uint64("applied_seq", e.appliedSeq),
		slog.Int("replayed_records", replayed))

	go e.runBatcher()
	return e, nil
}

// RegisterApplyHook adds a hook invoked after every applied op. Must be called
// before concurrent writes start.
func (e *Engine) RegisterApplyHook(h ApplyHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

// Get serves a read directly from the in-memory map.
func (e *Engine) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

// Len returns the number of live keys.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

// Keys returns a copy of all live keys.
func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.data))
	for k := range e.data {
		out = append(out, k)
	}
	return out
}

// AppliedSeq returns the sequence of the last applied record.
func (e *Engine) AppliedSeq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.appliedSeq
}

// Set queues a single-key write through the group-commit pipeline and blocks
// until the batch carrying it is durable and applied.
func (e *Engine) Set(key, value string) error {
	return e.submit([]wal.Op{{Kind: wal.OpSet, Key: key, Value: value}})
}

// Delete queues a delete. Deleting a missing key fails without logging.
func (e *Engine) Delete(key string) error {
	return e.submit([]wal.Op{{Kind: wal.OpDelete, Key: key}})
}

// BulkSet writes all pairs as one record: after any crash either every pair
// is visible or none is.
func (e *Engine) BulkSet(pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	ops := make([]wal.Op, 0, len(pairs))
	for k, v := range pairs {
		ops = append(ops, wal.Op{Kind: wal.OpSet, Key: k, Value: v})
	}
	return e.submit(ops)
}

// BulkSetOrdered preserves the caller's pair order inside the record.
func (e *Engine) BulkSetOrdered(ops []wal.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return e.submit(ops)
}

func (e *Engine) submit(ops []wal.Op) error {
	if e.closed.Load() {
		return ErrClosed
	}
	req := &writeReq{ops: ops, resp: make(chan error, 1)}
	select {
	case e.writeCh <- req:
	case <-e.stopCh:
		return ErrClosed
	}
	select {
	case err := <-req.resp:
		return err
	case <-e.stopCh:
		return ErrClosed
	}
}

// ApplyReplicated is the serialized apply path used by the replication
// modules: one record, durable before return, bypassing the coalescing
// window (the replication layer already decided the batch boundary).
func (e *Engine) ApplyReplicated(ops []wal.Op) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.commit(ops)
}

// runBatcher coalesces concurrently arriving writes within the window into a
// single WAL record sharing one durable sequence and one fsync.
func (e *Engine) runBatcher() {
	defer close(e.batcherDone)
	for {
		var first *writeReq
		select {
		case first = <-e.writeCh:
		case <-e.stopCh:
			e.failPending()
			return
		}
		batch := []*writeReq{first}
		n := len(first.ops)
		if e.window > 0 {
			timer := time.NewTimer(e.window)
		collect:
			for n < maxBatchOps {
				select {
				case r := <-e.writeCh:
					batch = append(batch, r)
					n += len(r.ops)
				case <-timer.C:
					break collect
				case <-e.stopCh:
					timer.Stop()
					e.commitBatch(batch)
					e.failPending()
					return
				}
			}
			timer.Stop()
		} else {
		drain:
			for n < maxBatchOps {
				select {
				case r := <-e.writeCh:
					batch = append(batch, r)
					n += len(r.ops)
				default:
					break drain
				}
			}
		}
		e.commitBatch(batch)
	}
}

func (e *Engine) failPending() {
	for {
		select {
		case r := <-e.writeCh:
			r.resp <- ErrClosed
		default:
			return
		}
	}
}

// commitBatch validates each request against the current view (deletes of
// absent keys fail fast, without logging), concatenates the rest into one
// record, and fans the outcome back out.
func (e *Engine) commitBatch(batch []*writeReq) {
	view := make(map[string]bool) // key -> exists, overlaying the map with earlier batch ops
	exists := func(key string) bool {
		if v, ok := view[key]; ok {
			return v
		}
		_, ok := e.Get(key)
		return ok
	}

	var ops []wal.Op
	accepted := make([]*writeReq, 0, len(batch))
	for _, req := range batch {
		ok := true
		for _, op := range req.ops {
			if op.Kind == wal.OpDelete && !exists(op.Key) {
				ok = false
				break
			}
		}
		if !ok {
			req.resp <- ErrKeyNotFound
			continue
		}
		for _, op := range req.ops {
			view[op.Key] = op.Kind != wal.OpDelete
		}
		ops = append(ops, req.ops...)
		accepted = append(accepted, req)
	}
	if len(ops) == 0 {
		return
	}

	observability.GroupCommitBatchOps.Observe(float64(len(ops)))
	_, err := e.commit(ops)
	for _, req := range accepted {
		req.resp <- err
	}
}

// commit appends one record and applies it. The record is durable before any
// caller is acknowledged; on append failure nothing is applied and the log is
// left without a partial record.
func (e *Engine) commit(ops []wal.Op) (uint64, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	seq, err := e.log.Append(ops, e.clk.Now())
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	for _, op := range ops {
		e.applyOp(op)
	}
	e.appliedSeq = seq
	hooks := e.hooks
	e.mu.Unlock()

	for _, h := range hooks {
		for _, op := range ops {
			h(op.Key, op.Value, op.Kind == wal.OpDelete)
		}
	}

	e.recsSinceSnap.Add(1)
	logging.VInfo("storage", "committed batch",
		slog.Uint64("seq", seq), slog.Int("ops", len(ops)))
	return seq, nil
}

// applyOp mutates the map. Callers hold e.mu (or own the engine exclusively
// during recovery).
func (e *Engine) applyOp(op wal.Op) {
	switch op.Kind {
	case wal.OpSet:
		e.data[op.Key] = op.Value
	case wal.OpDelete:
		delete(e.data, op.Key)
	}
}

// Snapshot durably writes the current map state, then truncates the WAL
// through the covered sequence. If the process dies between the two steps,
// replay skips the duplicated prefix.
func (e *Engine) Snapshot() error {
	e.mu.RLock()
	state := make(map[string]string, len(e.data))
	for k, v := range e.data {
		state[k] = v
	}
	seq := e.appliedSeq
	e.mu.RUnlock()

	if err := saveSnapshot(e.snapPath, &Snapshot{LastIncludedSeq: seq, State: state}); err != nil {
		return fmt.Errorf("storage: writing snapshot: %w", err)
	}
	if err := e.log.TruncateThrough(seq); err != nil {
		return fmt.Errorf("storage: truncating wal: %w", err)
	}
	e.recsSinceSnap.Store(0)
	observability.SnapshotsTotal.Inc()
	slog.Info("snapshot written", slog.Uint64("last_included_seq", seq), slog.Int("keys", len(state)))
	return nil
}

// MaybeSnapshot snapshots when at least threshold records accumulated since
// the last one. Returns whether a snapshot was taken.
func (e *Engine) MaybeSnapshot(threshold int) (bool, error) {
	if threshold <= 0 || e.recsSinceSnap.Load() < int64(threshold) {
		return false, nil
	}
	if err := e.Snapshot(); err != nil {
		return false, err
	}
	return true, nil
}

// RecordsSinceSnapshot reports WAL records appended since the last snapshot.
func (e *Engine) RecordsSinceSnapshot() int64 { return e.recsSinceSnap.Load() }

// Close drains the pipeline and closes the log. In-flight requests receive
// ErrClosed; they were never acknowledged.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	<-e.batcherDone
	return e.log.Close()
}
