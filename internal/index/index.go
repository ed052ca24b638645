// Package index defines the boundary consumed by the search indexing
// subsystem. The core invokes OnApply synchronously after every successful
// local apply, under both replication models; ranking and tokenization live
// entirely behind this interface and have no bearing on durability or
// consistency.
package index

import "github.com/lodestardb/lodestar/internal/storage"

// Index receives applied mutations and answers ranked queries.
type Index interface {
	OnApply(key, value string, tombstone bool)
	Query(text string, topK int) []string
}

// Attach wires idx into the engine's apply path.
func Attach(e *storage.Engine, idx Index) {
	e.RegisterApplyHook(idx.OnApply)
}

// Noop discards everything; installed when no indexing subsystem is present.
type Noop struct{}

func (Noop) OnApply(string, string, bool) {}

func (Noop) Query(string, int) []string { return nil }
