package dataplane

import (
	"net"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// RouteEntry is the LPM lookup result: the owning NIC and whether the
// route is a direct (same-node) delivery or must cross the tunnel.
type RouteEntry struct {
	NICID  string
	Direct bool
}

// RouteResultKind classifies what route_packet decided to do with a frame.
type RouteResultKind int

const (
	RouteDropped RouteResultKind = iota
	RouteDelivered
	RouteToInternet
)

type RouteResult struct {
	Kind  RouteResultKind
	NICID string
}

// NetworkRouter holds the longest-prefix-match tables for one
// network's IPv4 and IPv6 address spaces. Lookups read an immutable
// radix tree snapshot without locking; updates take the tree's root
// under a short-held mutex and swap the new root in.
//
// Routes are keyed bit-by-bit (one byte per bit of the prefix) rather
// than by raw address bytes, since go-immutable-radix's LongestPrefix
// only recognizes byte-aligned prefixes and most of the CIDRs this
// router stores are not aligned to 8 bits.
type NetworkRouter struct {
	mu       sync.Mutex
	v4       *iradix.Tree
	v6       *iradix.Tree
	isPublic bool
}

func NewNetworkRouter(isPublic bool) *NetworkRouter {
	return &NetworkRouter{v4: iradix.New(), v6: iradix.New(), isPublic: isPublic}
}

// bitKey expands the first bits of ip into a one-byte-per-bit key so
// radix-tree byte-prefix matching is equivalent to CIDR LPM.
func bitKey(ip net.IP, bits int) []byte {
	key := make([]byte, bits)
	for i := 0; i < bits; i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - i%8)
		if ip[byteIdx]&(1<<bitIdx) != 0 {
			key[i] = 1
		}
	}
	return key
}

func (r *NetworkRouter) AddRoute(prefix *net.IPNet, entry RouteEntry) {
	ones, _ := prefix.Mask.Size()
	key := bitKey(prefix.IP, ones)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prefix.IP.To4() != nil {
		r.v4, _, _ = r.v4.Insert(key, entry)
	} else {
		r.v6, _, _ = r.v6.Insert(key, entry)
	}
}

func (r *NetworkRouter) RemoveRoute(prefix *net.IPNet) {
	ones, _ := prefix.Mask.Size()
	key := bitKey(prefix.IP, ones)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prefix.IP.To4() != nil {
		r.v4, _, _ = r.v4.Delete(key)
	} else {
		r.v6, _, _ = r.v6.Delete(key)
	}
}

func (r *NetworkRouter) lookup(tree *iradix.Tree, ip net.IP, bits int) (RouteEntry, bool) {
	key := bitKey(ip, bits)
	_, v, ok := tree.Root().LongestPrefix(key)
	if !ok {
		return RouteEntry{}, false
	}
	return v.(RouteEntry), true
}

func (r *NetworkRouter) LookupIPv4(ip net.IP) (RouteEntry, bool) {
	r.mu.Lock()
	tree := r.v4
	r.mu.Unlock()
	return r.lookup(tree, ip.To4(), 32)
}

func (r *NetworkRouter) LookupIPv6(ip net.IP) (RouteEntry, bool) {
	r.mu.Lock()
	tree := r.v6
	r.mu.Unlock()
	return r.lookup(tree, ip.To16(), 128)
}

func (r *NetworkRouter) IsPublic() bool { return r.isPublic }
