// Package raft implements leader-based replication for the cluster: leader
// election with randomized timeouts, log replication with quorum commit, and
// follower log repair. The node is a mutex-guarded state machine driven by
// Tick; production wraps it in a wall-clock ticker, tests drive Tick directly
// against a simulated clock.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/cluster"
	"github.com/lodestardb/lodestar/internal/logging"
	"github.com/lodestardb/lodestar/internal/observability"
	"github.com/lodestardb/lodestar/internal/wal"
)

// Role is the node's position in the cluster.
type Role int32

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// NotLeaderError rejects a write on a non-leader and, when known, names the
// leader so the client can redirect.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not the leader (leader unknown)"
	}
	return fmt.Sprintf("raft: not the leader, try '%s'", e.LeaderID)
}

// ErrShutdown is returned for proposals caught in a node shutdown.
var ErrShutdown = errors.New("raft: node shutting down")

// Options carries the raft timing knobs.
type Options struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	// rpcTimeout bounds one outbound RPC. Zero means a second.
	RPCTimeout time.Duration
}

// ApplyFunc consumes a committed batch. It runs on the apply goroutine, in log
// order, exactly once per slot per process lifetime.
type ApplyFunc func(ops []wal.Op) error

// Node is one raft participant.
type Node struct {
	mu sync.Mutex

	id        string
	roster    *cluster.Roster
	transport Transport
	clk       clock.Clock
	opts      Options
	rng       *rand.Rand
	dir       string

	role     Role
	term     uint64
	votedFor string
	leaderID string

	log         *EntryLog
	commitIndex uint64
	lastApplied uint64
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64

	electionDeadline time.Time
	nextHeartbeat    time.Time

	applyFn   ApplyFunc
	applyCond *sync.Cond
	waiters   map[uint64]waiter

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// waiter tracks one pending proposal. The term pins the exact entry the
// proposer appended: if a new leader overwrites that slot, the waiter must be
// failed, never acked for the replacement entry.
type waiter struct {
	term uint64
	ch   chan error
}

// NewNode restores durable raft state from dir and builds a follower. Start
// launches the background loops; tests may skip Start and drive Tick.
func NewNode(dir string, roster *cluster.Roster, transport Transport, clk clock.Clock, opts Options, applyFn ApplyFunc) (*Node, error) {
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = time.Second
	}
	hs, err := loadHardState(dir)
	if err != nil {
		return nil, fmt.Errorf("raft: loading hard state: %w", err)
	}
	l, err := OpenEntryLog(entryLogPath(dir))
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:         roster.Self(),
		roster:     roster,
		transport:  transport,
		clk:        clk,
		opts:       opts,
		dir:        dir,
		rng:        rand.New(rand.NewSource(int64(xxhash.Sum64String(roster.Self())) ^ time.Now().UnixNano())),
		role:       Follower,
		term:       hs.Term,
		votedFor:   hs.VotedFor,
		log:        l,
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		applyFn:    applyFn,
		waiters:    make(map[uint64]waiter),
		stopCh:     make(chan struct{}),
	}
	n.applyCond = sync.NewCond(&n.mu)
	n.resetElectionDeadlineLocked(clk.Now())
	observability.RaftTerm.Set(float64(n.term))
	observability.RaftRole.Set(float64(Follower))
	return n, nil
}

func entryLogPath(dir string) string { return filepath.Join(dir, "raft_log.bin") }

// Start launches the wall-clock ticker and the apply loop.
func (n *Node) Start(tickEvery time.Duration) {
	n.wg.Add(2)
	go n.tickLoop(tickEvery)
	go n.applyLoop()
}

// StartApplier launches only the apply loop. Deterministic tests use this and
// call Tick themselves.
func (n *Node) StartApplier() {
	n.wg.Add(1)
	go n.applyLoop()
}

func (n *Node) tickLoop(every time.Duration) {
	defer n.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.Tick(n.clk.Now())
		case <-n.stopCh:
			return
		}
	}
}

// Tick advances the state machine to now: leaders emit heartbeats on their
// interval, everyone else starts an election when the deadline passes.
func (n *Node) Tick(now time.Time) {
	n.mu.Lock()
	switch n.role {
	case Leader:
		if !now.Before(n.nextHeartbeat) {
			n.nextHeartbeat = now.Add(n.opts.HeartbeatInterval)
			n.broadcastAppendLocked()
		}
	default:
		if !now.Before(n.electionDeadline) {
			n.startElectionLocked(now)
		}
	}
	n.mu.Unlock()
}

func (n *Node) resetElectionDeadlineLocked(now time.Time) {
	span := n.opts.ElectionTimeoutMax - n.opts.ElectionTimeoutMin
	d := n.opts.ElectionTimeoutMin
	if span > 0 {
		d += time.Duration(n.rng.Int63n(int64(span)))
	}
	n.electionDeadline = now.Add(d)
}

func (n *Node) persistLocked() error {
	return saveHardState(n.dir, hardState{Term: n.term, VotedFor: n.votedFor})
}

// startElectionLocked moves to candidate, votes for itself, and solicits the
// peers. Responses are handled asynchronously; a stale election (term moved
// on, role changed) discards them.
func (n *Node) startElectionLocked(now time.Time) {
	n.role = Candidate
	n.term++
	n.votedFor = n.id
	n.leaderID = ""
	if err := n.persistLocked(); err != nil {
		slog.Error("raft: persisting election state failed", slog.Any("error", err))
		return
	}
	n.resetElectionDeadlineLocked(now)
	observability.RaftTerm.Set(float64(n.term))
	observability.RaftRole.Set(float64(Candidate))
	observability.RaftElectionsTotal.Inc()
	slog.Info("starting election", slog.Uint64("term", n.term))

	term := n.term
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	votes := 1
	if votes >= n.roster.Quorum() {
		n.becomeLeaderLocked(now)
		return
	}
	for _, peer := range n.roster.PeerIDs() {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
			defer cancel()
			resp, err := n.transport.RequestVote(ctx, peer, req)
			if err != nil {
				logging.VInfo("raft", "vote request failed",
					slog.String("peer", peer), slog.Any("error", err))
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if resp.Term > n.term {
				n.stepDownLocked(resp.Term)
				return
			}
			if n.role != Candidate || n.term != term || !resp.VoteGranted {
				return
			}
			votes++
			if votes >= n.roster.Quorum() {
				n.becomeLeaderLocked(n.clk.Now())
			}
		}()
	}
}

func (n *Node) becomeLeaderLocked(now time.Time) {
	n.role = Leader
	n.leaderID = n.id
	last := n.log.LastIndex()
	for _, peer := range n.roster.PeerIDs() {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
	}
	n.nextHeartbeat = now.Add(n.opts.HeartbeatInterval)
	observability.RaftRole.Set(float64(Leader))
	slog.Info("became leader", slog.Uint64("term", n.term))
	n.advanceCommitLocked()
	n.broadcastAppendLocked()
}

// stepDownLocked adopts the higher term and reverts to follower.
func (n *Node) stepDownLocked(term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		if err := n.persistLocked(); err != nil {
			slog.Error("raft: persisting step-down failed", slog.Any("error", err))
		}
		observability.RaftTerm.Set(float64(n.term))
	}
	if n.role != Follower {
		slog.Info("stepping down", slog.Uint64("term", n.term))
	}
	n.role = Follower
	observability.RaftRole.Set(float64(Follower))
	n.resetElectionDeadlineLocked(n.clk.Now())
}

// HandleRequestVote grants at most one vote per term, and only to candidates
// whose log is at least as up to date as ours.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}
	resp := &RequestVoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return resp, nil
	}
	lastTerm, lastIndex := n.log.LastTerm(), n.log.LastIndex()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return resp, nil
	}
	n.votedFor = req.CandidateID
	if err := n.persistLocked(); err != nil {
		// The vote is only safe once durable; deny rather than risk a
		// double vote after restart.
		n.votedFor = ""
		return nil, fmt.Errorf("raft: persisting vote: %w", err)
	}
	n.resetElectionDeadlineLocked(n.clk.Now())
	resp.VoteGranted = true
	logging.VInfo("raft", "vote granted",
		slog.String("candidate", req.CandidateID), slog.Uint64("term", req.Term))
	return resp, nil
}

// HandleAppendEntries implements follower-side replication: term check, log
// consistency check at PrevLogIndex, conflict-suffix truncation, append, and
// commit index advance.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &AppendEntriesResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	} else if n.role != Follower {
		// Same term but an established leader exists: a candidate yields.
		n.role = Follower
		observability.RaftRole.Set(float64(Follower))
	}
	n.leaderID = req.LeaderID
	n.resetElectionDeadlineLocked(n.clk.Now())
	resp.Term = n.term

	if prevTerm, ok := n.log.Term(req.PrevLogIndex); !ok || prevTerm != req.PrevLogTerm {
		// Log doesn't match at the probe point; leader will back up.
		return resp, nil
	}

	for i, e := range req.Entries {
		existing, ok := n.log.Get(e.Index)
		if ok && existing.Term == e.Term {
			continue
		}
		if ok {
			// Conflicting suffix: ours loses, the leader's view wins.
			if err := n.log.TruncateSuffix(e.Index); err != nil {
				return nil, fmt.Errorf("raft: truncating conflicting suffix: %w", err)
			}
			n.failWaitersFromLocked(e.Index)
			if n.commitIndex >= e.Index {
				// Committed entries never conflict; reaching here means the
				// commit bookkeeping is broken.
				slog.Error("raft: truncation reached committed index",
					slog.Uint64("index", e.Index), slog.Uint64("commit", n.commitIndex))
			}
		}
		if err := n.log.Append(req.Entries[i:]...); err != nil {
			return nil, fmt.Errorf("raft: appending entries: %w", err)
		}
		break
	}

	if req.LeaderCommit > n.commitIndex {
		last := n.log.LastIndex()
		n.commitIndex = min(req.LeaderCommit, last)
		n.applyCond.Broadcast()
	}
	resp.Success = true
	return resp, nil
}

// Propose replicates one client batch. It returns once the entry is committed
// and applied locally, or fails with NotLeaderError on non-leaders.
func (n *Node) Propose(ctx context.Context, ops []wal.Op) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrShutdown
	}
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return &NotLeaderError{LeaderID: leader}
	}
	entry := Entry{Term: n.term, Index: n.log.LastIndex() + 1, Ops: ops}
	if err := n.log.Append(entry); err != nil {
		n.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	n.waiters[entry.Index] = waiter{term: entry.Term, ch: ch}
	n.advanceCommitLocked()
	n.broadcastAppendLocked()
	n.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, entry.Index)
		n.mu.Unlock()
		return fmt.Errorf("raft: commit wait: %w", ctx.Err())
	case <-n.stopCh:
		return ErrShutdown
	}
}

func (n *Node) broadcastAppendLocked() {
	for _, peer := range n.roster.PeerIDs() {
		go n.sendAppend(peer)
	}
}

// sendAppend ships the peer everything past its nextIndex (possibly nothing,
// as a heartbeat) and digests the response: match/next bookkeeping on success,
// back up one slot and retry on a consistency miss.
func (n *Node) sendAppend(peer string) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.term
	ni := n.nextIndex[peer]
	if ni == 0 {
		ni = 1
	}
	prevIndex := ni - 1
	prevTerm, ok := n.log.Term(prevIndex)
	if !ok {
		// nextIndex ran past the log; resync from the tail.
		n.nextIndex[peer] = n.log.LastIndex() + 1
		n.mu.Unlock()
		return
	}
	entries := n.log.Slice(ni)
	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
	defer cancel()
	resp, err := n.transport.AppendEntries(ctx, peer, req)
	if err != nil {
		logging.VInfo("raft", "append to peer failed",
			slog.String("peer", peer), slog.Any("error", err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != Leader || n.term != term {
		return
	}
	if resp.Success {
		match := prevIndex + uint64(len(entries))
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		n.nextIndex[peer] = match + 1
		n.advanceCommitLocked()
		return
	}
	if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
	go n.sendAppend(peer)
}

// advanceCommitLocked moves commitIndex to the highest index replicated on a
// quorum. Only entries from the current term commit by counting; earlier-term
// entries ride along.
func (n *Node) advanceCommitLocked() {
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		term, ok := n.log.Term(idx)
		if !ok || term != n.term {
			break
		}
		count := 1 // self
		for _, peer := range n.roster.PeerIDs() {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.roster.Quorum() {
			n.commitIndex = idx
			n.applyCond.Broadcast()
			break
		}
	}
}

// applyLoop feeds committed entries to applyFn in order and wakes proposal
// waiters. An apply failure is reported to the waiter but still advances
// lastApplied; the entry is committed cluster-wide regardless of local I/O.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	n.mu.Lock()
	for {
		for n.commitIndex == n.lastApplied && !n.stopped {
			n.applyCond.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}
		idx := n.lastApplied + 1
		entry, ok := n.log.Get(idx)
		if !ok {
			slog.Error("raft: committed entry missing from log", slog.Uint64("index", idx))
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		err := n.applyFn(entry.Ops)
		if err != nil {
			slog.Error("raft: applying committed entry failed",
				slog.Uint64("index", idx), slog.Any("error", err))
		}

		n.mu.Lock()
		n.lastApplied = idx
		observability.RaftCommittedTotal.Inc()
		if w, ok := n.waiters[idx]; ok {
			if w.term == entry.Term {
				w.ch <- err
			} else {
				// The slot now holds a different leader's entry; the
				// proposer's write was truncated away, not committed.
				w.ch <- &NotLeaderError{LeaderID: n.leaderID}
			}
			delete(n.waiters, idx)
		}
	}
}

// failWaitersFromLocked wakes proposers waiting on index or beyond with a
// redirect error. Their entries were just truncated out of the log and can
// never commit.
func (n *Node) failWaitersFromLocked(from uint64) {
	for idx, w := range n.waiters {
		if idx >= from {
			w.ch <- &NotLeaderError{LeaderID: n.leaderID}
			delete(n.waiters, idx)
		}
	}
}

// Status is a point-in-time view for the status file and tests.
type Status struct {
	NodeID       string `json:"node_id"`
	Role         string `json:"role"`
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id"`
	CommitIndex  uint64 `json:"commit_index"`
	LastApplied  uint64 `json:"last_applied"`
	LastLogIndex uint64 `json:"last_log_index"`
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		NodeID:       n.id,
		Role:         n.role.String(),
		Term:         n.term,
		LeaderID:     n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.LastIndex(),
	}
}

// LeaderHint returns the last known leader id, possibly empty.
func (n *Node) LeaderHint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// IsLeader reports whether this node currently believes it leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// Stop halts the loops and closes the log. Pending proposals fail with
// ErrShutdown.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.applyCond.Broadcast()
	n.mu.Unlock()
	n.wg.Wait()
	n.log.Close()
}
