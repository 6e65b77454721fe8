//go:build linux

// Package offload defines the optional in-kernel fast-path ABI
// described by the design notes as an alternative to the userspace
// reactor: a fixed set of POD map records matching what a TC
// classifier on the other end of an eBPF map would expect, plus a
// no-op manager that programs nothing. A real implementation would
// swap Manager for one backed by github.com/cilium/ebpf; nothing in
// this codebase ships a compiled object to attach, so the manager
// here only keeps the maps it would program in memory.
package offload

import "net"

// NICRecord is the per-interface metadata embedded in outgoing tunnel
// packets: the node-local network/security-group ids and routed
// prefix, mirrored layout-for-layout from what the kernel classifier
// expects on the other side of the map.
type NICRecord struct {
	MAC        [6]byte
	_          [2]byte // padding to align NetworkID on 4 bytes
	NetworkID  uint32
	SecGroupID uint32
	LocalV4    [4]byte
	_          [4]byte // padding to 8-byte record alignment
}

// RouteRecordV4 is one LPM entry: destination prefix (host byte
// order), prefix length, and the NIC index to redirect to.
type RouteRecordV4 struct {
	Prefix    [4]byte
	PrefixLen uint8
	_         [3]byte
	NICIndex  uint32
}

// RouteRecordV6 is the 128-bit analogue of RouteRecordV4.
type RouteRecordV6 struct {
	Prefix    [16]byte
	PrefixLen uint8
	_         [3]byte
	NICIndex  uint32
}

// TunnelEndpoint maps an inner destination subnet to the remote
// node's /80 tunnel prefix carrying it.
type TunnelEndpoint struct {
	InnerSubnet    [4]byte
	InnerPrefixLen uint8
	_              [3]byte
	RemotePrefix   [10]byte // /80
	_              [2]byte
}

// Manager programs the maps a kernel classifier would read. This
// implementation keeps them in memory only — it acknowledges the
// eBPF fast path as a pluggable backend (spec §9: "a single
// implementation may choose either") without requiring a live eBPF
// toolchain in every deployment.
type Manager struct {
	nics   map[uint32]NICRecord
	routes map[uint32][]RouteRecordV4
	tunnel map[string]TunnelEndpoint
}

func NewManager() *Manager {
	return &Manager{
		nics:   map[uint32]NICRecord{},
		routes: map[uint32][]RouteRecordV4{},
		tunnel: map[string]TunnelEndpoint{},
	}
}

func (m *Manager) SetNIC(index uint32, mac net.HardwareAddr, networkID, secGroupID uint32, localV4 net.IP) {
	var rec NICRecord
	copy(rec.MAC[:], mac)
	rec.NetworkID = networkID
	rec.SecGroupID = secGroupID
	if v4 := localV4.To4(); v4 != nil {
		copy(rec.LocalV4[:], v4)
	}
	m.nics[index] = rec
}

func (m *Manager) AddRouteV4(nicIndex uint32, rec RouteRecordV4) {
	m.routes[nicIndex] = append(m.routes[nicIndex], rec)
}

func (m *Manager) RemoveNIC(index uint32) {
	delete(m.nics, index)
	delete(m.routes, index)
}

// Attached reports whether this manager has a live classifier
// attached (always false: no in-kernel program is loaded).
func (m *Manager) Attached() bool { return false }
