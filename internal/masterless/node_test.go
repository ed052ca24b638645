package masterless

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestardb/lodestar/internal/clock"
	"github.com/lodestardb/lodestar/internal/cluster"
	"github.com/lodestardb/lodestar/internal/storage"
	"github.com/lodestardb/lodestar/internal/wire"
)

var testGossipOpts = Options{
	Interval:        250 * time.Millisecond,
	Fanout:          1,
	FullSyncEvery:   1, // every round carries the full table: deterministic tests
	TombstoneRetain: time.Hour,
	ConflictLogSize: 8,
	RPCTimeout:      2 * time.Second,
}

// gossipPair wires two nodes over real loopback TCP. Rounds are driven by
// calling gossipOnce directly, never by the background loop.
type gossipPair struct {
	clk        *clock.SimulatedClock
	a, b       *Node
	ea, eb     *storage.Engine
	srvA, srvB *cluster.Server
}

func newGossipPair(t *testing.T) *gossipPair {
	t.Helper()
	return newGossipPairOpts(t, testGossipOpts)
}

func newGossipPairOpts(t *testing.T, opts Options) *gossipPair {
	t.Helper()
	clk := clock.NewSimulatedClock(time.Unix(1000, 0))

	srvA := cluster.NewServer("127.0.0.1:0")
	require.NoError(t, srvA.Start())
	srvB := cluster.NewServer("127.0.0.1:0")
	require.NoError(t, srvB.Start())
	addrs := map[string]string{"a": srvA.Addr(), "b": srvB.Addr()}

	ea, err := storage.Open(t.TempDir(), 0, clk)
	require.NoError(t, err)
	eb, err := storage.Open(t.TempDir(), 0, clk)
	require.NoError(t, err)

	a := NewNode(cluster.NewRoster("a", addrs), ea, clk, opts)
	b := NewNode(cluster.NewRoster("b", addrs), eb, clk, opts)
	RegisterHandlers(srvA, a)
	RegisterHandlers(srvB, b)

	t.Cleanup(func() {
		srvA.Close()
		srvB.Close()
		ea.Close()
		eb.Close()
	})
	return &gossipPair{clk: clk, a: a, b: b, ea: ea, eb: eb, srvA: srvA, srvB: srvB}
}

func TestLocalWriteBumpsOwnComponentOnly(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("k", "v1"))
	require.NoError(t, p.a.Set("k", "v2"))

	v, ok := p.a.VersionOf("k")
	require.True(t, ok)
	assert.Equal(t, VectorClock{"a": 2}, v.Clock)
	assert.Equal(t, "a", v.Origin)
}

func TestGossipPropagatesWrites(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("k", "v1"))
	p.a.gossipOnce()

	v, ok := p.b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	ver, ok := p.b.VersionOf("k")
	require.True(t, ok)
	assert.Equal(t, VectorClock{"a": 1}, ver.Clock)
	assert.Equal(t, "a", ver.Origin)
}

func TestGossipConvergesBothDirections(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("ka", "from-a"))
	require.NoError(t, p.b.Set("kb", "from-b"))

	// One full push-pull exchange moves both keys: a pushes ka, the digest
	// reply carries kb back.
	p.a.gossipOnce()

	for _, n := range []*Node{p.a, p.b} {
		va, ok := n.Get("ka")
		require.True(t, ok)
		assert.Equal(t, "from-a", va)
		vb, ok := n.Get("kb")
		require.True(t, ok)
		assert.Equal(t, "from-b", vb)
	}
}

func TestRewriteDuringExchangeStaysDirty(t *testing.T) {
	opts := testGossipOpts
	opts.FullSyncEvery = 100 // only the startup round is a full sync
	p := newGossipPairOpts(t, opts)
	p.a.gossipOnce() // round 0: startup full sync over an empty table

	require.NoError(t, p.a.Set("k", "v1"))

	// Rewrite the key on a while b is still handling a's push. The newer
	// version must keep its dirty flag so a dirty-only round still ships it.
	rewrote := false
	p.srvB.Handle(msgPush, func(body []byte) (any, error) {
		if !rewrote {
			rewrote = true
			if err := p.a.Set("k", "v2"); err != nil {
				return nil, err
			}
		}
		var msg pushMsg
		if err := wire.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		for key, vv := range msg.Values {
			p.b.applyRemote(key, vv)
		}
		return struct{}{}, nil
	})
	p.a.gossipOnce() // round 1: ships v1, v2 lands mid-exchange

	p.a.mu.Lock()
	_, stillDirty := p.a.dirty["k"]
	p.a.mu.Unlock()
	require.True(t, stillDirty, "the unsent rewrite must stay flagged")

	p.a.gossipOnce() // round 2: the dirty-only digest carries v2
	v, ok := p.b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCausalDescendantWinsDespiteOlderTimestamp(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.b.Set("k", "local"))
	local, _ := p.b.VersionOf("k")

	// A version that causally extends b's write but carries an older wall
	// timestamp. Causality must trump LWW.
	remote := Versioned{Value: "descendant", Version: Version{
		Clock:     Merge(local.Clock, VectorClock{"a": 1}),
		Timestamp: local.Timestamp - int64(time.Hour),
		Origin:    "a",
	}}
	p.b.applyRemote("k", remote)

	v, ok := p.b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "descendant", v)
	assert.Empty(t, p.b.Conflicts(), "a causal update is not a conflict")
}

func TestConcurrentWritesResolveByTimestamp(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.b.Set("k", "local"))
	local, _ := p.b.VersionOf("k")

	newer := Versioned{Value: "remote-newer", Version: Version{
		Clock:     VectorClock{"a": 1},
		Timestamp: local.Timestamp + 1,
		Origin:    "a",
	}}
	p.b.applyRemote("k", newer)

	v, _ := p.b.Get("k")
	assert.Equal(t, "remote-newer", v)
	conflicts := p.b.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a", conflicts[0].WinnerOrigin)
	assert.Equal(t, "b", conflicts[0].LoserOrigin)

	merged, _ := p.b.VersionOf("k")
	assert.Equal(t, Identical, Compare(merged.Clock, VectorClock{"a": 1, "b": 1}),
		"the winning version must absorb the loser's clock")
}

func TestConcurrentWriteLoserKeepsLocalValue(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.b.Set("k", "local"))
	local, _ := p.b.VersionOf("k")

	older := Versioned{Value: "remote-older", Version: Version{
		Clock:     VectorClock{"a": 1},
		Timestamp: local.Timestamp - 1,
		Origin:    "a",
	}}
	p.b.applyRemote("k", older)

	v, _ := p.b.Get("k")
	assert.Equal(t, "local", v)
	require.Len(t, p.b.Conflicts(), 1)
	assert.Equal(t, "b", p.b.Conflicts()[0].WinnerOrigin)

	merged, _ := p.b.VersionOf("k")
	assert.Equal(t, Identical, Compare(merged.Clock, VectorClock{"a": 1, "b": 1}),
		"the surviving version must absorb the losing clock so the conflict settles")
}

func TestEqualTimestampsBreakTowardHigherOrigin(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.b.Set("k", "local"))
	local, _ := p.b.VersionOf("k")

	// Same timestamp, origin "c" sorts above local origin "b": remote wins.
	tie := Versioned{Value: "from-c", Version: Version{
		Clock:     VectorClock{"c": 1},
		Timestamp: local.Timestamp,
		Origin:    "c",
	}}
	p.b.applyRemote("k", tie)
	v, _ := p.b.Get("k")
	assert.Equal(t, "from-c", v)

	// Origin "A" sorts below: local wins the same shape of tie.
	require.NoError(t, p.b.Set("k2", "local2"))
	local2, _ := p.b.VersionOf("k2")
	tie2 := Versioned{Value: "from-A", Version: Version{
		Clock:     VectorClock{"A": 1},
		Timestamp: local2.Timestamp,
		Origin:    "A",
	}}
	p.b.applyRemote("k2", tie2)
	v2, _ := p.b.Get("k2")
	assert.Equal(t, "local2", v2)
}

func TestDeleteGossipsAsTombstone(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("k", "v1"))
	p.a.gossipOnce()
	_, ok := p.b.Get("k")
	require.True(t, ok)

	require.NoError(t, p.a.Delete("k"))
	p.a.gossipOnce()

	_, ok = p.b.Get("k")
	assert.False(t, ok, "the tombstone must delete on the peer")
	ver, ok := p.b.VersionOf("k")
	require.True(t, ok)
	assert.True(t, ver.Tombstone)
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("k", "v1"))
	p.a.gossipOnce()
	preDelete, _ := p.b.VersionOf("k")

	require.NoError(t, p.a.Delete("k"))
	p.a.gossipOnce()

	// Replay of the pre-delete version (a lagging replica would do this).
	stale := Versioned{Value: "v1", Version: preDelete}
	p.b.applyRemote("k", stale)
	_, ok := p.b.Get("k")
	assert.False(t, ok, "an ancestor version must never resurrect a deleted key")
}

func TestDeleteMissingKeyErrors(t *testing.T) {
	p := newGossipPair(t)
	require.ErrorIs(t, p.a.Delete("ghost"), storage.ErrKeyNotFound)
}

func TestBulkSetVersionsEachKey(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.BulkSet([]wire.Item{{Key: "x", Value: "1"}, {Key: "y", Value: "2"}}))

	for _, k := range []string{"x", "y"} {
		v, ok := p.a.VersionOf(k)
		require.True(t, ok, k)
		assert.Equal(t, VectorClock{"a": 1}, v.Clock)
	}
	p.a.gossipOnce()
	v, ok := p.b.Get("y")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestTombstoneGC(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.a.Set("k", "v"))
	require.NoError(t, p.a.Delete("k"))

	p.clk.Advance(30 * time.Minute)
	p.a.mu.Lock()
	p.a.gcTombstonesLocked()
	p.a.mu.Unlock()
	_, ok := p.a.VersionOf("k")
	assert.True(t, ok, "tombstone inside the retention window must survive")

	p.clk.Advance(time.Hour)
	p.a.mu.Lock()
	p.a.gcTombstonesLocked()
	p.a.mu.Unlock()
	_, ok = p.a.VersionOf("k")
	assert.False(t, ok, "tombstone past retention must be collected")
}

func TestRecoveredKeysReVersionAndPropagate(t *testing.T) {
	// A node restarting with durable state but a fresh version table must
	// still gossip those keys out.
	clk := clock.NewSimulatedClock(time.Unix(1000, 0))
	dir := t.TempDir()
	e, err := storage.Open(dir, 0, clk)
	require.NoError(t, err)
	require.NoError(t, e.Set("persisted", "x"))
	require.NoError(t, e.Close())

	srvA := cluster.NewServer("127.0.0.1:0")
	require.NoError(t, srvA.Start())
	srvB := cluster.NewServer("127.0.0.1:0")
	require.NoError(t, srvB.Start())
	addrs := map[string]string{"a": srvA.Addr(), "b": srvB.Addr()}

	ea, err := storage.Open(dir, 0, clk)
	require.NoError(t, err)
	eb, err := storage.Open(t.TempDir(), 0, clk)
	require.NoError(t, err)
	a := NewNode(cluster.NewRoster("a", addrs), ea, clk, testGossipOpts)
	b := NewNode(cluster.NewRoster("b", addrs), eb, clk, testGossipOpts)
	RegisterHandlers(srvA, a)
	RegisterHandlers(srvB, b)
	t.Cleanup(func() { srvA.Close(); srvB.Close(); ea.Close(); eb.Close() })

	ver, ok := a.VersionOf("persisted")
	require.True(t, ok)
	assert.Equal(t, VectorClock{"a": 1}, ver.Clock)

	a.gossipOnce()
	v, ok := b.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestConflictLogIsBounded(t *testing.T) {
	p := newGossipPair(t)
	require.NoError(t, p.b.Set("k", "local"))
	local, _ := p.b.VersionOf("k")

	for i := 0; i < testGossipOpts.ConflictLogSize+12; i++ {
		v := Versioned{Value: "r", Version: Version{
			Clock:     VectorClock{"a": 1}, // concurrent with {b:...} components only
			Timestamp: local.Timestamp - 1,
			Origin:    "a",
		}}
		// Strip the merged-in component so each apply stays concurrent.
		p.b.mu.Lock()
		lv := p.b.versions["k"]
		delete(lv.Clock, "a")
		p.b.versions["k"] = lv
		p.b.mu.Unlock()
		p.b.applyRemote("k", v)
	}
	assert.Len(t, p.b.Conflicts(), testGossipOpts.ConflictLogSize)
}
