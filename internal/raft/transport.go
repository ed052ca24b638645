package raft

import (
	"context"

	"github.com/lodestardb/lodestar/internal/cluster"
	"github.com/lodestardb/lodestar/internal/wire"
)

// Message types on the inter-node wire.
const (
	msgRequestVote   = "raft.request_vote"
	msgAppendEntries = "raft.append_entries"
)

// RequestVoteRequest asks a peer for its vote in Term.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest carries replication traffic and doubles as the
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// Transport delivers RPCs to peers by node id. The production implementation
// rides the cluster TCP layer; tests substitute an in-memory one.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

type clusterTransport struct {
	roster *cluster.Roster
}

// NewClusterTransport returns a Transport that resolves peers through the
// roster and exchanges envelopes over TCP.
func NewClusterTransport(roster *cluster.Roster) Transport {
	return &clusterTransport{roster: roster}
}

func (t *clusterTransport) RequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	addr, ok := t.roster.Resolve(peerID)
	if !ok {
		return nil, cluster.ErrUnknownPeer(peerID)
	}
	var resp RequestVoteResponse
	if err := cluster.Call(ctx, addr, msgRequestVote, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *clusterTransport) AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	addr, ok := t.roster.Resolve(peerID)
	if !ok {
		return nil, cluster.ErrUnknownPeer(peerID)
	}
	var resp AppendEntriesResponse
	if err := cluster.Call(ctx, addr, msgAppendEntries, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterHandlers exposes the node's RPC surface on the cluster server.
func RegisterHandlers(srv *cluster.Server, n *Node) {
	srv.Handle(msgRequestVote, func(body []byte) (any, error) {
		var req RequestVoteRequest
		if err := wire.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return n.HandleRequestVote(&req)
	})
	srv.Handle(msgAppendEntries, func(body []byte) (any, error) {
		var req AppendEntriesRequest
		if err := wire.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return n.HandleAppendEntries(&req)
	})
}
