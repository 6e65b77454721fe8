package dataplane

import (
	"net"

	"github.com/cuemby/warren/pkg/metrics"
)

// Dispatcher wires the registry and per-network routers needed to
// carry out handle_rx_packet / route_packet for one node's reactors.
type Dispatcher struct {
	Registry *ReactorRegistry
	Routers  map[string]*NetworkRouter // by network id
	NICNet   map[string]string         // nic id -> network id
	NICMAC   map[string]net.HardwareAddr
}

// HandleRXPacket rejects undersized frames, tries every protocol
// responder in order, and falls through to route_packet for anything
// left unconsumed.
func (d *Dispatcher) HandleRXPacket(sourceNICID string, frame []byte, nic NicConfig, netCfg NetworkConfig) {
	if len(frame) < 14 {
		metrics.PacketsDroppedTotal.WithLabelValues("short_frame").Inc()
		return
	}

	for _, responder := range Responders() {
		if reply, ok := responder(nic, netCfg, frame); ok {
			d.deliverTo(sourceNICID, reply)
			return
		}
	}

	d.RoutePacket(sourceNICID, frame, netCfg)
}

func (d *Dispatcher) deliverTo(sourceNICID string, reply []byte) {
	if ch, ok := d.Registry.LookupNIC(sourceNICID); ok {
		select {
		case ch <- PacketMsg{Frame: reply}:
		default:
			metrics.PacketsDroppedTotal.WithLabelValues("inbox_full").Inc()
		}
	}
}

// RoutePacket implements §4.5.3's route_packet: MAC lookup first,
// then LPM, then public-network TUN fallback, else drop.
func (d *Dispatcher) RoutePacket(sourceNICID string, frame []byte, netCfg NetworkConfig) {
	if len(frame) < 14 {
		return
	}
	dstMAC := net.HardwareAddr(frame[0:6])
	if dstMAC[0]&0x01 != 0 {
		metrics.PacketsDroppedTotal.WithLabelValues("multicast").Inc()
		return
	}

	if ch, ok := d.Registry.LookupMAC(dstMAC.String()); ok {
		d.trySend(ch, frame, netCfg.ID)
		return
	}

	etherType := uint16(frame[12])<<8 | uint16(frame[13])
	router, hasRouter := d.Routers[netCfg.ID]
	payload := frame[14:]

	switch etherType {
	case 0x0800: // IPv4
		if len(payload) < 20 {
			return
		}
		dstIP := net.IP(payload[16:20])
		if hasRouter {
			if entry, ok := router.LookupIPv4(dstIP); ok {
				if !decrementIPv4TTL(payload) {
					metrics.PacketsDroppedTotal.WithLabelValues("ttl_expired").Inc()
					return
				}
				d.forward(entry.NICID, frame, netCfg)
				return
			}
		}
	case 0x86DD: // IPv6
		if len(payload) < 40 {
			return
		}
		dstIP := net.IP(payload[24:40])
		if hasRouter {
			if entry, ok := router.LookupIPv6(dstIP); ok {
				if !decrementIPv6HopLimit(payload) {
					metrics.PacketsDroppedTotal.WithLabelValues("hop_limit_expired").Inc()
					return
				}
				d.forward(entry.NICID, frame, netCfg)
				return
			}
		}
	default:
		metrics.PacketsDroppedTotal.WithLabelValues("unknown_ethertype").Inc()
		return
	}

	if netCfg.IsPublic {
		if ch, ok := d.Registry.LookupTUN(netCfg.ID); ok {
			d.trySend(ch, payload, netCfg.ID) // strip Ethernet header for the TUN uplink
			return
		}
	}
	metrics.PacketsDroppedTotal.WithLabelValues("no_route").Inc()
}

// HandleUplinkRX is the inbound half of the tunnel uplink: a bare IP
// packet (no Ethernet header — TAP/raw-socket uplinks carry payload
// only) arrives from outside the network, gets routed by destination
// address the same way RoutePacket routes NIC-sourced traffic, and is
// re-wrapped in an Ethernet frame addressed from the gateway MAC to
// the owning NIC before delivery.
func (d *Dispatcher) HandleUplinkRX(payload []byte, netCfg NetworkConfig) {
	router, hasRouter := d.Routers[netCfg.ID]
	if !hasRouter || len(payload) < 1 {
		return
	}

	version := payload[0] >> 4
	var dstIP net.IP
	var etherType uint16
	switch version {
	case 4:
		if len(payload) < 20 {
			return
		}
		dstIP = net.IP(payload[16:20])
		etherType = 0x0800
		if !decrementIPv4TTL(payload) {
			metrics.PacketsDroppedTotal.WithLabelValues("ttl_expired").Inc()
			return
		}
	case 6:
		if len(payload) < 40 {
			return
		}
		dstIP = net.IP(payload[24:40])
		etherType = 0x86DD
		if !decrementIPv6HopLimit(payload) {
			metrics.PacketsDroppedTotal.WithLabelValues("hop_limit_expired").Inc()
			return
		}
	default:
		return
	}

	var entry RouteEntry
	var ok bool
	if etherType == 0x0800 {
		entry, ok = router.LookupIPv4(dstIP)
	} else {
		entry, ok = router.LookupIPv6(dstIP)
	}
	if !ok {
		metrics.PacketsDroppedTotal.WithLabelValues("no_route").Inc()
		return
	}
	targetMAC, ok := d.NICMAC[entry.NICID]
	if !ok {
		metrics.PacketsDroppedTotal.WithLabelValues("unknown_target_nic").Inc()
		return
	}

	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], targetMAC)
	copy(frame[6:12], netCfg.GatewayMAC)
	frame[12] = byte(etherType >> 8)
	frame[13] = byte(etherType)
	copy(frame[14:], payload)

	if ch, ok := d.Registry.LookupNIC(entry.NICID); ok {
		d.trySend(ch, frame, netCfg.ID)
	}
}

// forward rewrites src/dst MACs to the gateway and target NIC before
// handing the frame to the target reactor's inbox.
func (d *Dispatcher) forward(targetNICID string, frame []byte, netCfg NetworkConfig) {
	targetMAC, ok := d.NICMAC[targetNICID]
	if !ok {
		metrics.PacketsDroppedTotal.WithLabelValues("unknown_target_nic").Inc()
		return
	}
	copy(frame[0:6], targetMAC)
	copy(frame[6:12], netCfg.GatewayMAC)

	if ch, ok := d.Registry.LookupNIC(targetNICID); ok {
		d.trySend(ch, frame, netCfg.ID)
	}
}

func (d *Dispatcher) trySend(ch chan<- PacketMsg, frame []byte, networkID string) {
	select {
	case ch <- PacketMsg{Frame: frame}:
		metrics.PacketsRoutedTotal.WithLabelValues(networkID).Inc()
	default:
		metrics.PacketsDroppedTotal.WithLabelValues("inbox_full").Inc()
	}
}
