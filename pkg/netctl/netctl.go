// Package netctl is the node-local network control service: it keeps
// the authoritative record of which networks and NICs are live on
// this node, owns the per-network NetworkRouter and ReactorRegistry
// wiring described by pkg/dataplane, and attaches/detaches the TAP
// devices that back public networks' tunnel uplinks.
package netctl

import (
	"fmt"
	"net"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/rs/zerolog/log"

	"github.com/cuemby/warren/pkg/apierr"
	"github.com/cuemby/warren/pkg/dataplane"
	"github.com/cuemby/warren/pkg/types"
)

// uplinkBackend is whatever device backs a public network's tunnel
// reactor: a TAP character device, or an AF_PACKET raw socket bound to
// a physical trunk interface.
type uplinkBackend interface {
	dataplane.ReactorBackend
	Close() error
}

// networkState is everything this node tracks about one live network.
type networkState struct {
	cfg           dataplane.NetworkConfig
	router        *dataplane.NetworkRouter
	tap           uplinkBackend
	uplinkReactor *dataplane.Reactor
	nics          map[string]bool
}

// Service is the node's network control database, protected by a
// single mutex the way pkg/storage/boltdb.go guards its handle.
type Service struct {
	mu       sync.Mutex
	networks map[string]*networkState
	registry *dataplane.ReactorRegistry
	nicNet   map[string]string
	nicMAC   map[string]net.HardwareAddr

	// UplinkInterface, if set, binds every public network's tunnel
	// reactor to this host interface with an AF_PACKET raw socket
	// instead of allocating a per-network TAP device. Used on nodes
	// whose public egress is a physical or bonded trunk rather than a
	// software bridge.
	UplinkInterface string
}

func NewService() *Service {
	return &Service{
		networks: map[string]*networkState{},
		registry: dataplane.NewReactorRegistry(),
		nicNet:   map[string]string{},
		nicMAC:   map[string]net.HardwareAddr{},
	}
}

func (s *Service) Registry() *dataplane.ReactorRegistry { return s.registry }

// RegisterNetwork is idempotent: called once per reconcile pass for
// every network named in a manifest, regardless of whether it already
// exists on this node.
func (s *Service) RegisterNetwork(n *types.Network) error {
	cfg, err := dataplane.NewNetworkConfig(n)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "network %s config", n.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.networks[n.ID]; ok {
		st.cfg = cfg
		return nil
	}

	st := &networkState{cfg: cfg, router: dataplane.NewNetworkRouter(n.IsPublic), nics: map[string]bool{}}
	if n.IsPublic {
		backend, err := s.openUplink(n.ID)
		if err != nil {
			log.Warn().Err(err).Str("network_id", n.ID).Msg("netctl: uplink unavailable, public egress disabled")
		} else {
			st.tap = backend
			dispatcher := &dataplane.Dispatcher{
				Registry: s.registry,
				Routers:  map[string]*dataplane.NetworkRouter{n.ID: st.router},
				NICMAC:   s.nicMAC,
			}
			reactor := dataplane.NewReactor(fmt.Sprintf("uplink-%s", n.ID), n.ID, backend, func(payload []byte) {
				dispatcher.HandleUplinkRX(payload, cfg)
			})
			s.registry.RegisterTUN(n.ID, reactor.Inbox)
			st.uplinkReactor = reactor
			go reactor.Run()
		}
	}
	s.networks[n.ID] = st
	return nil
}

// openUplink picks the tunnel backend for a public network: an
// AF_PACKET raw socket bound to UplinkInterface when one is
// configured, otherwise a per-network TAP device.
func (s *Service) openUplink(networkID string) (uplinkBackend, error) {
	if s.UplinkInterface != "" {
		return dataplane.OpenRawSocket(s.UplinkInterface)
	}
	tapName := fmt.Sprintf("mvirt-pub-%s", networkID[:min(8, len(networkID))])
	return dataplane.OpenTAP(tapName)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DeregisterNetwork tears down a network's router and TAP; called by
// the network reconciler's Finalize.
func (s *Service) DeregisterNetwork(networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.networks[networkID]
	if !ok {
		return nil
	}
	if st.tap != nil {
		if st.uplinkReactor != nil {
			st.uplinkReactor.Stop()
		}
		if err := st.tap.Close(); err != nil {
			log.Warn().Err(err).Str("network_id", networkID).Msg("netctl: close uplink backend")
		}
		s.registry.UnregisterTUN(networkID)
	}
	delete(s.networks, networkID)
	return nil
}

// AttachNIC publishes a NIC's reactor inbox into the registry and
// records its network membership for routing lookups.
func (s *Service) AttachNIC(nic *types.NIC, inbox chan<- dataplane.PacketMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.networks[nic.NetworkID]
	if !ok {
		return apierr.FailedPreconditionf("network %s not registered for nic %s", nic.NetworkID, nic.ID)
	}
	mac, err := net.ParseMAC(nic.MAC)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "nic %s mac", nic.ID)
	}

	s.registry.RegisterNIC(nic.ID, nic.MAC, inbox)
	st.nics[nic.ID] = true
	s.nicNet[nic.ID] = nic.NetworkID
	s.nicMAC[nic.ID] = mac

	if nic.IPv4 != "" {
		st.router.AddRoute(&net.IPNet{IP: net.ParseIP(nic.IPv4), Mask: net.CIDRMask(32, 32)}, dataplane.RouteEntry{NICID: nic.ID, Direct: true})
	}
	if nic.IPv6 != "" {
		st.router.AddRoute(&net.IPNet{IP: net.ParseIP(nic.IPv6), Mask: net.CIDRMask(128, 128)}, dataplane.RouteEntry{NICID: nic.ID, Direct: true})
	}
	for _, p := range nic.RoutedV4Prefixes {
		ipnet, err := validatedRoutedPrefix(p, st.cfg.V4Subnet)
		if err != nil {
			log.Warn().Err(err).Str("nic_id", nic.ID).Str("prefix", p).Msg("netctl: skipping routed prefix")
			continue
		}
		st.router.AddRoute(ipnet, dataplane.RouteEntry{NICID: nic.ID})
	}
	for _, p := range nic.RoutedV6Prefixes {
		ipnet, err := validatedRoutedPrefix(p, st.cfg.V6Prefix)
		if err != nil {
			log.Warn().Err(err).Str("nic_id", nic.ID).Str("prefix", p).Msg("netctl: skipping routed prefix")
			continue
		}
		st.router.AddRoute(ipnet, dataplane.RouteEntry{NICID: nic.ID})
	}
	return nil
}

// validatedRoutedPrefix parses a NIC-advertised routed prefix and
// rejects one that overlaps the network's own subnet: such a prefix
// would shadow directly-attached NICs' routes instead of extending
// reachability behind this one.
func validatedRoutedPrefix(p string, networkSubnet *net.IPNet) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(p)
	if err != nil {
		return nil, err
	}
	if networkSubnet != nil {
		if err := cidr.VerifyNoOverlap([]*net.IPNet{ipnet}, networkSubnet); err != nil {
			return nil, err
		}
	}
	return ipnet, nil
}

// DetachNIC removes a NIC's reactor and routes; called by the NIC
// reconciler's Finalize.
func (s *Service) DetachNIC(nicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	networkID, ok := s.nicNet[nicID]
	if !ok {
		return nil
	}
	mac := s.nicMAC[nicID]
	s.registry.UnregisterNIC(nicID, mac.String())
	if st, ok := s.networks[networkID]; ok {
		delete(st.nics, nicID)
	}
	delete(s.nicNet, nicID)
	delete(s.nicMAC, nicID)
	return nil
}

// AddRoute installs a static route into the owning network's table.
func (s *Service) AddRoute(r *types.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ipnet, err := net.ParseCIDR(r.Prefix)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "route %s prefix", r.ID)
	}
	for _, st := range s.networks {
		if r.NextHopNICID != "" && st.nics[r.NextHopNICID] {
			st.router.AddRoute(ipnet, dataplane.RouteEntry{NICID: r.NextHopNICID})
			return nil
		}
	}
	return apierr.FailedPreconditionf("route %s: next hop nic not attached to any known network", r.ID)
}

func (s *Service) RemoveRoute(r *types.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ipnet, err := net.ParseCIDR(r.Prefix)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "route %s prefix", r.ID)
	}
	for _, st := range s.networks {
		st.router.RemoveRoute(ipnet)
	}
	return nil
}

// Dispatcher builds a dataplane.Dispatcher snapshot for the given
// network, combining this node's current registry, router, and NIC
// bookkeeping.
func (s *Service) Dispatcher(networkID string) (*dataplane.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.networks[networkID]
	if !ok {
		return nil, apierr.NotFoundf("network %s not registered", networkID)
	}
	return &dataplane.Dispatcher{
		Registry: s.registry,
		Routers:  map[string]*dataplane.NetworkRouter{networkID: st.router},
		NICNet:   s.nicNet,
		NICMAC:   s.nicMAC,
	}, nil
}
