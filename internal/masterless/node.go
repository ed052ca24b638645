package masterless

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/cluster"
	"github.com/lodestardb/lodestar/internal/logging"
	"github.com/lodestardb/lodestar/internal/observability"
	"github.com/lodestardb/lodestar/internal/storage"
	"github.com/lodestardb/lodestar/internal/wal"
	"github.com/lodestardb/lodestar/internal/wire"
)

// Message types on the inter-node wire.
const (
	msgDigest = "gossip.digest"
	msgPush   = "gossip.push"
)

// Version is the replication metadata for one key. It lives in memory only;
// after a restart the node rebuilds its view of the cluster through full-sync
// gossip rounds.
type Version struct {
	Clock     VectorClock `json:"clock"`
	Timestamp int64       `json:"ts"`
	Origin    string      `json:"origin"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

// Versioned pairs a value with its version for transfer.
type Versioned struct {
	Value   string  `json:"value"`
	Version Version `json:"version"`
}

type digestMsg struct {
	From    string             `json:"from"`
	Full    bool               `json:"full"`
	Entries map[string]Version `json:"entries"`
}

// digestReply answers a digest: Want names keys the receiver needs pushed,
// Values carries keys where the receiver is ahead (or, on a full digest, keys
// the sender doesn't know at all).
type digestReply struct {
	Want   []string             `json:"want,omitempty"`
	Values map[string]Versioned `json:"values,omitempty"`
}

type pushMsg struct {
	From   string               `json:"from"`
	Values map[string]Versioned `json:"values"`
}

// Options carries the gossip knobs.
type Options struct {
	Interval        time.Duration
	Fanout          int
	FullSyncEvery   int // every Nth round sends the full key set instead of the dirty set
	TombstoneRetain time.Duration
	ConflictLogSize int
	RPCTimeout      time.Duration
}

// Node is one masterless participant.
type Node struct {
	mu     sync.Mutex
	id     string
	roster *cluster.Roster
	engine *storage.Engine
	clk    clock.Clock
	opts   Options
	rng    *rand.Rand

	versions map[string]Version
	dirty    map[string]struct{}
	rounds   uint64

	conflicts []wire.Conflict

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNode builds a masterless node over the engine. The version table starts
// empty even when the engine recovered state; the first gossip rounds run as
// full syncs so restored keys get re-versioned against the cluster.
func NewNode(roster *cluster.Roster, engine *storage.Engine, clk clock.Clock, opts Options) *Node {
	if opts.Fanout <= 0 {
		opts.Fanout = 1
	}
	if opts.FullSyncEvery <= 0 {
		opts.FullSyncEvery = 10
	}
	if opts.ConflictLogSize <= 0 {
		opts.ConflictLogSize = 128
	}
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = time.Second
	}
	n := &Node{
		id:       roster.Self(),
		roster:   roster,
		engine:   engine,
		clk:      clk,
		opts:     opts,
		rng:      rand.New(rand.NewSource(int64(xxhash.Sum64String(roster.Self())) ^ time.Now().UnixNano())),
		versions: make(map[string]Version),
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	// Keys recovered from disk predate this process's version table. Seed
	// them with an origin-stamped version so they survive comparison against
	// peers and propagate if the peers never saw them.
	now := clk.Now().UnixNano()
	for _, key := range engine.Keys() {
		vc := VectorClock{n.id: 1}
		n.versions[key] = Version{Clock: vc, Timestamp: now, Origin: n.id}
		n.dirty[key] = struct{}{}
	}
	return n
}

// Start launches the gossip loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.gossipLoop()
}

// Stop halts gossip.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// Set performs a local write: bump our own clock component, make it durable,
// then mark the key dirty for gossip.
func (n *Node) Set(key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.setLocked(key, value)
}

func (n *Node) setLocked(key, value string) error {
	vc := n.versions[key].Clock.Copy()
	vc.Tick(n.id)
	if err := n.engine.Set(key, value); err != nil {
		return err
	}
	n.versions[key] = Version{Clock: vc, Timestamp: n.clk.Now().UnixNano(), Origin: n.id}
	n.dirty[key] = struct{}{}
	return nil
}

// Delete writes a tombstone. Deleting a key absent locally fails.
func (n *Node) Delete(key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	vc := n.versions[key].Clock.Copy()
	vc.Tick(n.id)
	if err := n.engine.Delete(key); err != nil {
		return err
	}
	n.versions[key] = Version{Clock: vc, Timestamp: n.clk.Now().UnixNano(), Origin: n.id, Tombstone: true}
	n.dirty[key] = struct{}{}
	return nil
}

// BulkSet writes pairs in order, each with its own version bump, all durable
// as one record.
func (n *Node) BulkSet(pairs []wire.Item) error {
	if len(pairs) == 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	ops := make([]wal.Op, len(pairs))
	for i, p := range pairs {
		ops[i] = wal.Op{Kind: wal.OpSet, Key: p.Key, Value: p.Value}
	}
	if err := n.engine.BulkSetOrdered(ops); err != nil {
		return err
	}
	now := n.clk.Now().UnixNano()
	for _, p := range pairs {
		vc := n.versions[p.Key].Clock.Copy()
		vc.Tick(n.id)
		n.versions[p.Key] = Version{Clock: vc, Timestamp: now, Origin: n.id}
		n.dirty[p.Key] = struct{}{}
	}
	return nil
}

// Get reads the local replica. Tombstoned keys read as absent.
func (n *Node) Get(key string) (string, bool) {
	return n.engine.Get(key)
}

// VersionOf returns the key's version metadata.
func (n *Node) VersionOf(key string) (Version, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.versions[key]
	return v, ok
}

// Conflicts returns the recent LWW resolutions, oldest first.
func (n *Node) Conflicts() []wire.Conflict {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.Conflict, len(n.conflicts))
	copy(out, n.conflicts)
	return out
}

// gossipLoop runs one push-pull exchange per interval with light jitter so
// peers don't sync their rounds.
func (n *Node) gossipLoop() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		jitter := time.Duration(n.rng.Int63n(int64(n.opts.Interval)/4 + 1))
		n.mu.Unlock()
		select {
		case <-time.After(n.opts.Interval + jitter):
			n.gossipOnce()
		case <-n.stopCh:
			return
		}
	}
}

// gossipOnce picks Fanout random peers and runs the exchange with each. The
// first round after startup and every FullSyncEvery-th round send the full
// version table; the rest send only the dirty set.
func (n *Node) gossipOnce() {
	peers := n.roster.PeerIDs()
	if len(peers) == 0 {
		return
	}

	n.mu.Lock()
	full := n.rounds%uint64(n.opts.FullSyncEvery) == 0
	n.rounds++
	n.gcTombstonesLocked()

	entries := make(map[string]Version)
	if full {
		for k, v := range n.versions {
			entries[k] = v
		}
	} else {
		for k := range n.dirty {
			if v, ok := n.versions[k]; ok {
				entries[k] = v
			}
		}
	}
	dirtySent := make(map[string]VectorClock, len(n.dirty))
	for k := range n.dirty {
		dirtySent[k] = n.versions[k].Clock
	}
	n.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	n.mu.Unlock()

	fanout := n.opts.Fanout
	if fanout > len(peers) {
		fanout = len(peers)
	}
	anyOK := false
	for _, peer := range peers[:fanout] {
		if n.exchangeWith(peer, full, entries) {
			anyOK = true
		}
	}
	observability.GossipRoundsTotal.Inc()

	// Dirty keys stay dirty until at least one peer has seen them. A key
	// re-written while the exchange was in flight keeps its flag: only the
	// exact version that went out may be cleared.
	if anyOK {
		n.mu.Lock()
		for k, sent := range dirtySent {
			if v, ok := n.versions[k]; ok && Compare(sent, v.Clock) != Identical {
				continue
			}
			delete(n.dirty, k)
		}
		n.mu.Unlock()
	}
}

// exchangeWith runs digest -> reply -> push against one peer.
func (n *Node) exchangeWith(peer string, full bool, entries map[string]Version) bool {
	addr, ok := n.roster.Resolve(peer)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
	defer cancel()

	var reply digestReply
	err := cluster.Call(ctx, addr, msgDigest, &digestMsg{From: n.id, Full: full, Entries: entries}, &reply)
	if err != nil {
		logging.VInfo("gossip", "digest exchange failed",
			slog.String("peer", peer), slog.Any("error", err))
		return false
	}

	// The peer was ahead on these keys.
	for key, vv := range reply.Values {
		n.applyRemote(key, vv)
	}

	if len(reply.Want) == 0 {
		return true
	}
	push := pushMsg{From: n.id, Values: make(map[string]Versioned, len(reply.Want))}
	n.mu.Lock()
	for _, key := range reply.Want {
		v, ok := n.versions[key]
		if !ok {
			continue
		}
		val, _ := n.engine.Get(key)
		push.Values[key] = Versioned{Value: val, Version: v}
	}
	n.mu.Unlock()

	pctx, pcancel := context.WithTimeout(context.Background(), n.opts.RPCTimeout)
	defer pcancel()
	if err := cluster.Call(pctx, addr, msgPush, &push, nil); err != nil {
		logging.VInfo("gossip", "push failed",
			slog.String("peer", peer), slog.Any("error", err))
		return false
	}
	return true
}

// HandleDigest classifies each digest entry against the local version: keys
// where the sender is ahead (or concurrent) go on the want list, keys where we
// are ahead come back with values. On a full digest, local keys the sender
// never mentioned come back too.
func (n *Node) HandleDigest(msg *digestMsg) *digestReply {
	reply := &digestReply{Values: make(map[string]Versioned)}
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, remote := range msg.Entries {
		local, ok := n.versions[key]
		if !ok {
			reply.Want = append(reply.Want, key)
			continue
		}
		switch Compare(remote.Clock, local.Clock) {
		case After, Concurrent:
			reply.Want = append(reply.Want, key)
		case Before:
			val, _ := n.engine.Get(key)
			reply.Values[key] = Versioned{Value: val, Version: local}
		case Identical:
		}
	}
	if msg.Full {
		for key, local := range n.versions {
			if _, mentioned := msg.Entries[key]; mentioned {
				continue
			}
			val, _ := n.engine.Get(key)
			reply.Values[key] = Versioned{Value: val, Version: local}
		}
	}
	if len(reply.Values) == 0 {
		reply.Values = nil
	}
	return reply
}

// applyRemote merges one remote versioned value into the local replica.
func (n *Node) applyRemote(key string, vv Versioned) {
	n.mu.Lock()
	defer n.mu.Unlock()

	local, ok := n.versions[key]
	if ok {
		switch Compare(vv.Version.Clock, local.Clock) {
		case Identical, Before:
			return
		case After:
		case Concurrent:
			remoteWins := lwwWins(vv.Version, local)
			n.recordConflictLocked(key, vv.Version, local, remoteWins)
			observability.GossipConflictsTotal.Inc()
			if !remoteWins {
				// Local version survives; merge the clocks so the conflict
				// is causally settled going forward.
				merged := Merge(local.Clock, vv.Version.Clock)
				local.Clock = merged
				n.versions[key] = local
				n.dirty[key] = struct{}{}
				return
			}
		}
	}

	merged := Merge(local.Clock, vv.Version.Clock)
	next := vv.Version
	next.Clock = merged

	var op wal.Op
	if next.Tombstone {
		op = wal.Op{Kind: wal.OpDelete, Key: key}
	} else {
		op = wal.Op{Kind: wal.OpSet, Key: key, Value: vv.Value}
	}
	if _, err := n.engine.ApplyReplicated([]wal.Op{op}); err != nil {
		slog.Error("gossip: applying remote value failed",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	n.versions[key] = next
	n.dirty[key] = struct{}{}
	logging.VInfo("gossip", "applied remote version",
		slog.String("key", key), slog.String("origin", next.Origin),
		slog.Bool("tombstone", next.Tombstone))
}

// lwwWins decides a concurrent conflict: later timestamp wins, equal
// timestamps break toward the higher origin id. Deterministic on every node.
func lwwWins(remote, local Version) bool {
	if remote.Timestamp != local.Timestamp {
		return remote.Timestamp > local.Timestamp
	}
	return remote.Origin > local.Origin
}

func (n *Node) recordConflictLocked(key string, remote, local Version, remoteWins bool) {
	winner, loser := remote, local
	if !remoteWins {
		winner, loser = local, remote
	}
	c := wire.Conflict{
		Key:          key,
		ResolvedAt:   n.clk.Now().UnixNano(),
		WinnerOrigin: winner.Origin,
		LoserOrigin:  loser.Origin,
		WinnerClock:  map[string]uint64(winner.Clock),
		LoserClock:   map[string]uint64(loser.Clock),
	}
	n.conflicts = append(n.conflicts, c)
	if len(n.conflicts) > n.opts.ConflictLogSize {
		n.conflicts = n.conflicts[len(n.conflicts)-n.opts.ConflictLogSize:]
	}
	slog.Warn("concurrent write resolved",
		slog.String("key", key),
		slog.String("winner", winner.Origin),
		slog.String("loser", loser.Origin))
}

// gcTombstonesLocked drops tombstone versions older than the retention
// window. By then every reachable peer has gossiped the delete; keeping the
// marker longer only leaks memory.
func (n *Node) gcTombstonesLocked() {
	if n.opts.TombstoneRetain <= 0 {
		return
	}
	cutoff := n.clk.Now().Add(-n.opts.TombstoneRetain).UnixNano()
	for key, v := range n.versions {
		if v.Tombstone && v.Timestamp < cutoff {
			delete(n.versions, key)
			delete(n.dirty, key)
			observability.TombstonesGCTotal.Inc()
		}
	}
}

// RegisterHandlers exposes the gossip RPC surface on the cluster server.
func RegisterHandlers(srv *cluster.Server, n *Node) {
	srv.Handle(msgDigest, func(body []byte) (any, error) {
		var msg digestMsg
		if err := wire.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return n.HandleDigest(&msg), nil
	})
	srv.Handle(msgPush, func(body []byte) (any, error) {
		var msg pushMsg
		if err := wire.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		for key, vv := range msg.Values {
			n.applyRemote(key, vv)
		}
		return struct{}{}, nil
	})
}
