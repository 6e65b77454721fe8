/*
Package dataplane implements one reactor per vNIC plus one per tunnel
uplink, the MAC/NIC/TUN registry they publish themselves into, and the
protocol responders and LPM router that decide a frame's fate.

registry.go is the atomic.Pointer-swapped immutable snapshot
(ReactorRegistry) the concurrency model calls for. router.go is the
per-network longest-prefix-match table, built on
github.com/hashicorp/go-immutable-radix with a bit-exploded key so
byte-oriented LongestPrefix matching behaves like true CIDR LPM.
checksum.go hand-rolls the TTL/hop-limit decrement and incremental
IPv4 checksum update the way the reference router does, since gopacket
does not expose incremental checksum mutation. responders.go builds
every protocol reply (ARP, DHCPv4/DHCPv6 via
github.com/insomniacslk/dhcp, NDP/ICMP via gopacket/layers) as a pure
function of (NicConfig, NetworkConfig, frame). dispatch.go is
handle_rx_packet/route_packet. reactor.go and tap.go are the backend
and loop a node actually runs packets through.
*/
package dataplane
