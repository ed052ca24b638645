package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// Roster is the flat node-id -> inter-node address map every node holds.
// Nodes address each other by id and resolve through the roster; nothing owns
// anything, so the peer graph has no ownership cycles.
type Roster struct {
	self  string
	addrs map[string]string
}

// ParsePeerSpecs parses peer specifications of the form id@host:port into a
// roster. self must appear in the set.
func ParsePeerSpecs(specs []string, self string) (*Roster, error) {
	addrs := make(map[string]string)
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		at := strings.IndexByte(s, '@')
		if at <= 0 || at == len(s)-1 {
			return nil, fmt.Errorf("cluster: invalid peer spec '%s', want id@host:port", s)
		}
		id, addr := s[:at], s[at+1:]
		if _, dup := addrs[id]; dup {
			return nil, fmt.Errorf("cluster: duplicate peer id '%s'", id)
		}
		addrs[id] = addr
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("cluster: empty peer roster")
	}
	if _, ok := addrs[self]; !ok {
		return nil, fmt.Errorf("cluster: node id '%s' not present in peer roster", self)
	}
	return &Roster{self: self, addrs: addrs}, nil
}

// NewRoster builds a roster directly from a map. Used by tests.
func NewRoster(self string, addrs map[string]string) *Roster {
	cp := make(map[string]string, len(addrs))
	for k, v := range addrs {
		cp[k] = v
	}
	return &Roster{self: self, addrs: cp}
}

// ErrUnknownPeer builds the error for a node id missing from the roster.
func ErrUnknownPeer(id string) error {
	return fmt.Errorf("cluster: unknown peer id '%s'", id)
}

// Self returns the local node id.
func (r *Roster) Self() string { return r.self }

// Resolve maps a node id to its inter-node address.
func (r *Roster) Resolve(id string) (string, bool) {
	v, ok := r.addrs[id]
	return v, ok
}

// PeerIDs returns all node ids except self, sorted for determinism.
func (r *Roster) PeerIDs() []string {
	out := make([]string, 0, len(r.addrs)-1)
	for id := range r.addrs {
		if id != r.self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Size returns the total cluster size including self.
func (r *Roster) Size() int { return len(r.addrs) }

// Quorum returns the majority count for this cluster.
func (r *Roster) Quorum() int { return r.Size()/2 + 1 }
