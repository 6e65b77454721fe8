package dataplane

import (
	"strings"
	"sync/atomic"
)

// PacketMsg is one frame handed between reactors over an inbox channel.
type PacketMsg struct {
	Frame []byte
}

// reactorMap is the immutable snapshot swapped atomically on every
// registration change, giving registry lookups on the hot path
// (route_packet) a lock-free read, per the concurrency model's
// pointer-swap-of-immutable-map requirement.
type reactorMap struct {
	byMAC       map[string]chan<- PacketMsg
	byNICID     map[string]chan<- PacketMsg
	byNetworkID map[string]chan<- PacketMsg // TUN uplink reactor for a public network
}

// ReactorRegistry tracks which reactor owns which MAC, NIC, and
// network TUN uplink, so route_packet can hand a frame to the right
// inbox without a lock on the fast path.
type ReactorRegistry struct {
	snapshot atomic.Pointer[reactorMap]
}

func NewReactorRegistry() *ReactorRegistry {
	r := &ReactorRegistry{}
	r.snapshot.Store(&reactorMap{
		byMAC:       map[string]chan<- PacketMsg{},
		byNICID:     map[string]chan<- PacketMsg{},
		byNetworkID: map[string]chan<- PacketMsg{},
	})
	return r
}

func normalizeMAC(mac string) string { return strings.ToLower(mac) }

func (r *ReactorRegistry) clone() *reactorMap {
	old := r.snapshot.Load()
	n := &reactorMap{
		byMAC:       make(map[string]chan<- PacketMsg, len(old.byMAC)),
		byNICID:     make(map[string]chan<- PacketMsg, len(old.byNICID)),
		byNetworkID: make(map[string]chan<- PacketMsg, len(old.byNetworkID)),
	}
	for k, v := range old.byMAC {
		n.byMAC[k] = v
	}
	for k, v := range old.byNICID {
		n.byNICID[k] = v
	}
	for k, v := range old.byNetworkID {
		n.byNetworkID[k] = v
	}
	return n
}

// RegisterNIC publishes a new reactor inbox for a NIC, keyed by both
// MAC and NIC id.
func (r *ReactorRegistry) RegisterNIC(nicID, mac string, inbox chan<- PacketMsg) {
	n := r.clone()
	n.byNICID[nicID] = inbox
	n.byMAC[normalizeMAC(mac)] = inbox
	r.snapshot.Store(n)
}

// UnregisterNIC removes a NIC's reactor from the registry.
func (r *ReactorRegistry) UnregisterNIC(nicID, mac string) {
	n := r.clone()
	delete(n.byNICID, nicID)
	delete(n.byMAC, normalizeMAC(mac))
	r.snapshot.Store(n)
}

// RegisterTUN publishes the TUN uplink reactor for a public network.
func (r *ReactorRegistry) RegisterTUN(networkID string, inbox chan<- PacketMsg) {
	n := r.clone()
	n.byNetworkID[networkID] = inbox
	r.snapshot.Store(n)
}

func (r *ReactorRegistry) UnregisterTUN(networkID string) {
	n := r.clone()
	delete(n.byNetworkID, networkID)
	r.snapshot.Store(n)
}

func (r *ReactorRegistry) LookupMAC(mac string) (chan<- PacketMsg, bool) {
	s := r.snapshot.Load()
	ch, ok := s.byMAC[normalizeMAC(mac)]
	return ch, ok
}

func (r *ReactorRegistry) LookupNIC(nicID string) (chan<- PacketMsg, bool) {
	s := r.snapshot.Load()
	ch, ok := s.byNICID[nicID]
	return ch, ok
}

func (r *ReactorRegistry) LookupTUN(networkID string) (chan<- PacketMsg, bool) {
	s := r.snapshot.Load()
	ch, ok := s.byNetworkID[networkID]
	return ch, ok
}
