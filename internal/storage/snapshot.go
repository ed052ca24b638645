package storage

import (
	"log/slog"
	"os"

	"github.com/lodestardb/lodestar/internal/wire"
)

// Snapshot is a compacted point-in-time dump of the map state. Every record
// with Seq <= LastIncludedSeq is reflected in State, so the WAL may be
// truncated through that sequence once the snapshot is durably on disk.
type Snapshot struct {
	LastIncludedSeq uint64            `json:"last_included_seq"`
	State           map[string]string `json:"state"`
}

// saveSnapshot writes snap atomically: temp file, fsync, rename. A crash at
// any point leaves either the previous snapshot or the new one, never a
// half-written file.
func saveSnapshot(path string, snap *Snapshot) error {
	b, err := wire.Marshal(snap)
	if err != nil {
		return err
	}
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

// loadSnapshot reads the snapshot at path. A missing file yields (nil, nil).
// A corrupt snapshot is ignored with a warning: recovery falls back to full
// WAL replay, which is always a superset of a snapshot that failed to land.
func loadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := wire.Unmarshal(b, &snap); err != nil {
		slog.Warn("storage: corrupt snapshot ignored", slog.String("path", path), slog.Any("error", err))
		return nil, nil
	}
	if snap.State == nil {
		snap.State = make(map[string]string)
	}
	return &snap, nil
}
