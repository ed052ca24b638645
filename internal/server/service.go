package server

import (
	"context"
	"time"

	"github.com/lodestardb/lodestar/internal/masterless"
	"github.com/lodestardb/lodestar/internal/raft"
	"github.com/lodestardb/lodestar/internal/storage"
	"github.com/lodestardb/lodestar/internal/wal"
	"github.com/lodestardb/lodestar/internal/wire"
)

// Service is what a client connection talks to. The three deployment modes
// differ only in where writes go; reads are always local.
type Service interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	BulkSet(items []wire.Item) error
}

// VersionedService is the extra surface masterless mode exposes.
type VersionedService interface {
	VClock(key string) (map[string]uint64, bool)
	Conflicts() []wire.Conflict
}

// StandaloneService serves a single node straight off the engine.
type StandaloneService struct {
	Engine *storage.Engine
}

func (s *StandaloneService) Get(key string) (string, bool) { return s.Engine.Get(key) }

func (s *StandaloneService) Set(key, value string) error { return s.Engine.Set(key, value) }

func (s *StandaloneService) Delete(key string) error { return s.Engine.Delete(key) }

func (s *StandaloneService) BulkSet(items []wire.Item) error {
	ops := make([]wal.Op, len(items))
	for i, it := range items {
		ops[i] = wal.Op{Kind: wal.OpSet, Key: it.Key, Value: it.Value}
	}
	return s.Engine.BulkSetOrdered(ops)
}

// RaftService funnels writes through the consensus log. Non-leaders reject
// with a leader hint; the hint surfaces in the client response.
type RaftService struct {
	Engine         *storage.Engine
	Node           *raft.Node
	ProposeTimeout time.Duration
}

func (s *RaftService) Get(key string) (string, bool) { return s.Engine.Get(key) }

func (s *RaftService) propose(ops []wal.Op) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ProposeTimeout)
	defer cancel()
	return s.Node.Propose(ctx, ops)
}

func (s *RaftService) Set(key, value string) error {
	return s.propose([]wal.Op{{Kind: wal.OpSet, Key: key, Value: value}})
}

func (s *RaftService) Delete(key string) error {
	// Missing keys are rejected before consuming a log slot. The check is
	// leader-local and racy against concurrent deletes, which is fine: the
	// losing delete applies as a no-op.
	if !s.Node.IsLeader() {
		return &raft.NotLeaderError{LeaderID: s.Node.LeaderHint()}
	}
	if _, ok := s.Engine.Get(key); !ok {
		return storage.ErrKeyNotFound
	}
	return s.propose([]wal.Op{{Kind: wal.OpDelete, Key: key}})
}

func (s *RaftService) BulkSet(items []wire.Item) error {
	ops := make([]wal.Op, len(items))
	for i, it := range items {
		ops[i] = wal.Op{Kind: wal.OpSet, Key: it.Key, Value: it.Value}
	}
	return s.propose(ops)
}

// MasterlessService delegates everything to the gossip node.
type MasterlessService struct {
	Node *masterless.Node
}

func (s *MasterlessService) Get(key string) (string, bool) { return s.Node.Get(key) }

func (s *MasterlessService) Set(key, value string) error { return s.Node.Set(key, value) }

func (s *MasterlessService) Delete(key string) error { return s.Node.Delete(key) }

func (s *MasterlessService) BulkSet(items []wire.Item) error { return s.Node.BulkSet(items) }

func (s *MasterlessService) VClock(key string) (map[string]uint64, bool) {
	v, ok := s.Node.VersionOf(key)
	if !ok {
		return nil, false
	}
	return map[string]uint64(v.Clock), true
}

func (s *MasterlessService) Conflicts() []wire.Conflict { return s.Node.Conflicts() }
