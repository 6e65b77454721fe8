package dataplane

import (
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/google/uuid"

	"github.com/cuemby/warren/pkg/types"
)

// NicConfig is the read-only snapshot of a NIC's addressing a
// responder needs; it carries no channel or OS resource so it stays
// usable from unit tests.
type NicConfig struct {
	ID   string
	MAC  net.HardwareAddr
	IPv4 net.IP
	IPv6 net.IP
}

func NewNicConfig(n *types.NIC) (NicConfig, error) {
	mac, err := net.ParseMAC(n.MAC)
	if err != nil {
		return NicConfig{}, err
	}
	cfg := NicConfig{ID: n.ID, MAC: mac}
	if n.IPv4 != "" {
		cfg.IPv4 = net.ParseIP(n.IPv4)
	}
	if n.IPv6 != "" {
		cfg.IPv6 = net.ParseIP(n.IPv6)
	}
	return cfg, nil
}

// NetworkConfig is the read-only snapshot of a network's addressing,
// including the derived gateway address and MAC every responder
// answers requests on behalf of.
type NetworkConfig struct {
	ID          string
	IsPublic    bool
	DNS         []net.IP
	GatewayIPv4 net.IP
	GatewayIPv6 net.IP
	GatewayMAC  net.HardwareAddr
	V4Subnet    *net.IPNet
	V6Prefix    *net.IPNet
}

// gatewayLinkLocal is the fixed link-local address every network's
// gateway answers NDP/ICMPv6 on, per spec.
var gatewayLinkLocal = net.ParseIP("fe80::1")

func NewNetworkConfig(n *types.Network) (NetworkConfig, error) {
	cfg := NetworkConfig{ID: n.ID, IsPublic: n.IsPublic, GatewayMAC: deriveGatewayMAC(n.ID)}
	for _, d := range n.DNS {
		if ip := net.ParseIP(d); ip != nil {
			cfg.DNS = append(cfg.DNS, ip)
		}
	}
	if n.IPv4Subnet != "" {
		_, ipnet, err := net.ParseCIDR(n.IPv4Subnet)
		if err != nil {
			return NetworkConfig{}, err
		}
		cfg.V4Subnet = ipnet
		gw, err := firstUsable(ipnet)
		if err != nil {
			return NetworkConfig{}, err
		}
		cfg.GatewayIPv4 = gw
	}
	if n.IPv6Prefix != "" {
		_, ipnet, err := net.ParseCIDR(n.IPv6Prefix)
		if err != nil {
			return NetworkConfig{}, err
		}
		cfg.V6Prefix = ipnet
		cfg.GatewayIPv6 = gatewayLinkLocal
	}
	return cfg, nil
}

// firstUsable returns the network address plus one, the conventional
// gateway address for a freshly carved subnet.
func firstUsable(ipnet *net.IPNet) (net.IP, error) {
	return cidr.Host(ipnet, 1)
}

// deriveGatewayMAC builds a deterministic, locally-administered
// unicast MAC from a network's UUID: byte 0 marks the address as
// locally administered and unicast, bytes 1-5 are the UUID's first
// five bytes.
func deriveGatewayMAC(networkID string) net.HardwareAddr {
	id, err := uuid.Parse(networkID)
	if err != nil {
		// fall back to hashing the string into 16 bytes so the MAC is
		// still deterministic for non-UUID network ids used in tests.
		id = uuid.NewSHA1(uuid.Nil, []byte(networkID))
	}
	raw := id[:]
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	copy(mac[1:], raw[:5])
	return mac
}
