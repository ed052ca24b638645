package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestardb/lodestar/internal/wire"
)

func TestParsePeerSpecs(t *testing.T) {
	r, err := ParsePeerSpecs([]string{"n1@127.0.0.1:7412", "n2@127.0.0.1:7422", "n3@127.0.0.1:7432"}, "n2")
	require.NoError(t, err)
	assert.Equal(t, "n2", r.Self())
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, 2, r.Quorum())
	assert.Equal(t, []string{"n1", "n3"}, r.PeerIDs())
	addr, ok := r.Resolve("n3")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7432", addr)
}

func TestParsePeerSpecsRejectsBadInput(t *testing.T) {
	_, err := ParsePeerSpecs([]string{"no-at-sign"}, "n1")
	require.Error(t, err)
	_, err = ParsePeerSpecs([]string{"n1@a:1", "n1@b:2"}, "n1")
	require.Error(t, err, "duplicate ids must be rejected")
	_, err = ParsePeerSpecs([]string{"n1@a:1"}, "n9")
	require.Error(t, err, "self must be in the roster")
	_, err = ParsePeerSpecs(nil, "n1")
	require.Error(t, err)
}

func TestQuorumSizes(t *testing.T) {
	for size, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		addrs := map[string]string{}
		for i := 0; i < size; i++ {
			addrs[string(rune('a'+i))] = "x"
		}
		r := NewRoster("a", addrs)
		assert.Equal(t, want, r.Quorum(), "size %d", size)
	}
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func TestServerCallRoundTrip(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	calls := 0
	srv.Handle("test.echo", func(body []byte) (any, error) {
		var req echoReq
		if err := wire.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		calls++
		return &echoResp{Text: req.Text, Count: calls}, nil
	})
	require.NoError(t, srv.Start())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp echoResp
	require.NoError(t, Call(ctx, srv.Addr(), "test.echo", &echoReq{Text: "hi"}, &resp))
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 1, resp.Count)
}

func TestCallHandlerError(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	srv.Handle("test.fail", func(body []byte) (any, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, srv.Start())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Call(ctx, srv.Addr(), "test.fail", &echoReq{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCallUnknownType(t *testing.T) {
	srv := NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Call(ctx, srv.Addr(), "test.unregistered", &echoReq{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestCallUnreachablePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := Call(ctx, "127.0.0.1:1", "test.echo", &echoReq{}, nil)
	require.Error(t, err)
}
