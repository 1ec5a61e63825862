package configs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/magiconair/properties"
)

// Peer is one regional server instance; every peer is interchangeable in
// capability with every other peer.
type Peer struct {
	ID      string
	Address string
}

// Registry is the static peer membership, fixed at startup. The peer set is
// the participant set for every transaction; changing it requires a restart.
type Registry struct {
	Self  string
	Peers []Peer
}

// LoadRegistry reads the peer topology from a properties file:
//
//	self = norte
//	peer.norte = 127.0.0.1:7001
//	peer.sul   = 127.0.0.1:7002
func LoadRegistry(path string) (*Registry, error) {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, err
	}
	self := props.GetString("self", "")
	if self == "" {
		return nil, fmt.Errorf("registry %s misses the self entry", path)
	}
	peers := make(map[string]string)
	for _, k := range props.Keys() {
		if strings.HasPrefix(k, "peer.") {
			peers[strings.TrimPrefix(k, "peer.")] = props.MustGetString(k)
		}
	}
	return NewRegistry(self, peers)
}

// NewRegistry builds a registry from an id -> address map. Peers are kept in
// id order so that every node agrees on the participant ordering.
func NewRegistry(self string, peers map[string]string) (*Registry, error) {
	if _, ok := peers[self]; !ok {
		return nil, fmt.Errorf("registry does not contain the local peer %q", self)
	}
	res := &Registry{Self: self}
	for id, addr := range peers {
		res.Peers = append(res.Peers, Peer{ID: id, Address: addr})
	}
	sort.Slice(res.Peers, func(i, j int) bool { return res.Peers[i].ID < res.Peers[j].ID })
	return res, nil
}

// IDs returns the ordered peer ids, the participant set of every transaction.
func (c *Registry) IDs() []string {
	res := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		res = append(res, p.ID)
	}
	return res
}

// AddressOf resolves a peer id to its transport address.
func (c *Registry) AddressOf(id string) (string, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.Address, true
		}
	}
	return "", false
}

// SelfAddress returns the listen address of the local peer.
func (c *Registry) SelfAddress() string {
	addr, ok := c.AddressOf(c.Self)
	Assert(ok, "the registry always contains the local peer")
	return addr
}
