package dataplane

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/rs/zerolog/log"
)

// Every responder in this file is a pure function of (NicConfig,
// NetworkConfig, frame) returning (reply, consumed) — no channel, no
// OS handle — so the dispatch table is unit-testable without a
// reactor. handleRXPacket tries each in turn before falling through
// to route_packet.

func serialize(layersToSerialize ...gopacket.SerializableLayer) ([]byte, bool) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		log.Warn().Err(err).Msg("dataplane: serialize responder reply")
		return nil, false
	}
	return buf.Bytes(), true
}

// HandleARP answers ARP requests for the network's gateway IPv4 only.
func HandleARP(nic NicConfig, netCfg NetworkConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil || netCfg.GatewayIPv4 == nil {
		return nil, false
	}
	arp := arpLayer.(*layers.ARP)
	if arp.Operation != layers.ARPRequest {
		return nil, false
	}
	if !net.IP(arp.DstProtAddress).Equal(netCfg.GatewayIPv4) {
		return nil, false
	}

	eth := &layers.Ethernet{
		SrcMAC:       netCfg.GatewayMAC,
		DstMAC:       nic.MAC,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   netCfg.GatewayMAC,
		SourceProtAddress: netCfg.GatewayIPv4.To4(),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}
	return serialize(eth, reply)
}

// HandleDHCPv4 acts as a tiny single-lease DHCP server, always
// offering the NIC's own stored IPv4 address.
func HandleDHCPv4(nic NicConfig, netCfg NetworkConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil || udpLayer.(*layers.UDP).DstPort != 67 {
		return nil, false
	}
	if nic.IPv4 == nil || netCfg.GatewayIPv4 == nil {
		return nil, false
	}
	appLayer := pkt.ApplicationLayer()
	if appLayer == nil {
		return nil, false
	}
	req, err := dhcpv4.FromBytes(appLayer.Payload())
	if err != nil {
		return nil, false
	}

	var msgType dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		msgType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		msgType = dhcpv4.MessageTypeAck
	default:
		return nil, false
	}

	mask := net.CIDRMask(24, 32)
	if netCfg.V4Subnet != nil {
		mask = netCfg.V4Subnet.Mask
	}
	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithYourIP(nic.IPv4.To4()),
		dhcpv4.WithServerIP(netCfg.GatewayIPv4.To4()),
		dhcpv4.WithNetmask(mask),
		dhcpv4.WithRouter(netCfg.GatewayIPv4.To4()),
		dhcpv4.WithDNS(netCfg.DNS...),
		dhcpv4.WithLeaseTime(86400),
	)
	if err != nil {
		log.Warn().Err(err).Msg("dataplane: build dhcpv4 reply")
		return nil, false
	}

	dstMAC := nic.MAC
	dstIP := nic.IPv4.To4()
	if req.IsBroadcast() {
		dstMAC = layers.EthernetBroadcast
		dstIP = net.IPv4bcast
	}
	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: netCfg.GatewayIPv4.To4(), DstIP: dstIP,
	}
	udp := &layers.UDP{SrcPort: 67, DstPort: 68}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serializePayload(eth, ip, udp, resp.ToBytes())
}

func serializePayload(eth *layers.Ethernet, ip gopacket.SerializableLayer, transport *layers.UDP, payload []byte) ([]byte, bool) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)); err != nil {
		log.Warn().Err(err).Msg("dataplane: serialize responder reply")
		return nil, false
	}
	return buf.Bytes(), true
}

// HandleICMPv6 dispatches Neighbor/Router Solicitation and Echo
// Request to the gateway, per the reference implementation's
// icmpv6.rs pure-function responder set.
func HandleICMPv6(nic NicConfig, netCfg NetworkConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv6)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	if ipLayer == nil || icmpLayer == nil {
		return nil, false
	}
	ip6 := ipLayer.(*layers.IPv6)
	icmp := icmpLayer.(*layers.ICMPv6)

	switch icmp.TypeCode.Type() {
	case layers.ICMPv6TypeNeighborSolicitation:
		ns := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
		if ns == nil {
			return nil, false
		}
		target := ns.(*layers.ICMPv6NeighborSolicitation).TargetAddress
		if !target.Equal(gatewayLinkLocal) {
			return nil, false
		}
		return buildNeighborAdvertisement(netCfg, ip6.SrcIP, nic.MAC)
	case layers.ICMPv6TypeRouterSolicitation:
		return buildRouterAdvertisement(netCfg, ip6.SrcIP, nic.MAC)
	case layers.ICMPv6TypeEchoRequest:
		if !ip6.DstIP.Equal(gatewayLinkLocal) && !ip6.DstIP.Equal(netCfg.GatewayIPv6) {
			return nil, false
		}
		return buildEchoReplyV6(netCfg, ip6.SrcIP, nic.MAC, icmp.LayerPayload())
	default:
		return nil, false
	}
}

func buildNeighborAdvertisement(netCfg NetworkConfig, dstIP net.IP, dstMAC net.HardwareAddr) ([]byte, bool) {
	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: gatewayLinkLocal, DstIP: dstIP}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	icmp.SetNetworkLayerForChecksum(ip6)
	na := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0xe0, // Router + Solicited + Override
		TargetAddress: gatewayLinkLocal,
		Options: layers.ICMPv6Options{{
			Type: layers.ICMPv6OptTargetAddress,
			Data: netCfg.GatewayMAC,
		}},
	}
	return serialize(eth, ip6, icmp, na)
}

func buildRouterAdvertisement(netCfg NetworkConfig, dstIP net.IP, dstMAC net.HardwareAddr) ([]byte, bool) {
	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: gatewayLinkLocal, DstIP: dstIP}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeRouterAdvertisement, 0)}
	icmp.SetNetworkLayerForChecksum(ip6)
	// Managed (M) + Other-config (O), router lifetime 1800s, no prefix
	// information option: SLAAC is disabled on purpose, VMs use DHCPv6.
	ra := &layers.ICMPv6RouterAdvertisement{
		HopLimit:       64,
		Flags:          0xc0,
		RouterLifetime: 1800,
		Options: layers.ICMPv6Options{{
			Type: layers.ICMPv6OptSourceAddress,
			Data: netCfg.GatewayMAC,
		}},
	}
	return serialize(eth, ip6, icmp, ra)
}

func buildEchoReplyV6(netCfg NetworkConfig, dstIP net.IP, dstMAC net.HardwareAddr, payload []byte) ([]byte, bool) {
	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolICMPv6, SrcIP: gatewayLinkLocal, DstIP: dstIP}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0)}
	icmp.SetNetworkLayerForChecksum(ip6)
	return serialize(eth, ip6, icmp, gopacket.Payload(payload))
}

// HandleICMPv4Echo answers Echo Request addressed to the gateway.
func HandleICMPv4Echo(nic NicConfig, netCfg NetworkConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if ipLayer == nil || icmpLayer == nil || netCfg.GatewayIPv4 == nil {
		return nil, false
	}
	ip4 := ipLayer.(*layers.IPv4)
	icmp := icmpLayer.(*layers.ICMPv4)
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest || !ip4.DstIP.Equal(netCfg.GatewayIPv4) {
		return nil, false
	}

	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: nic.MAC, EthernetType: layers.EthernetTypeIPv4}
	replyIP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: netCfg.GatewayIPv4.To4(), DstIP: ip4.SrcIP}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	return serialize(eth, replyIP, replyICMP, gopacket.Payload(icmp.LayerPayload()))
}

// HandleDHCPv6 answers SOLICIT with ADVERTISE and REQUEST with REPLY,
// assigning the NIC's stored IPv6 address.
func HandleDHCPv6(nic NicConfig, netCfg NetworkConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil || udpLayer.(*layers.UDP).DstPort != 547 {
		return nil, false
	}
	if nic.IPv6 == nil {
		return nil, false
	}
	appLayer := pkt.ApplicationLayer()
	if appLayer == nil {
		return nil, false
	}
	msg, err := dhcpv6.FromBytes(appLayer.Payload())
	if err != nil {
		return nil, false
	}
	req, ok := msg.(*dhcpv6.Message)
	if !ok {
		return nil, false
	}

	iaaddr := &dhcpv6.OptIAAddress{IPv6Addr: nic.IPv6, PreferredLifetime: 86400, ValidLifetime: 86400}
	dnsOpt := dhcpv6.WithDNS(netCfg.DNS...)

	var resp *dhcpv6.Message
	switch req.MessageType {
	case dhcpv6.MessageTypeSolicit:
		resp, err = dhcpv6.NewAdvertiseFromSolicit(req, dhcpv6.WithIANA(iaaddr), dnsOpt)
	case dhcpv6.MessageTypeRequest:
		resp, err = dhcpv6.NewReplyFromMessage(req, dhcpv6.WithIANA(iaaddr), dnsOpt)
	default:
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("dataplane: build dhcpv6 reply")
		return nil, false
	}

	eth := &layers.Ethernet{SrcMAC: netCfg.GatewayMAC, DstMAC: nic.MAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: gatewayLinkLocal, DstIP: net.ParseIP("ff02::1:2")}
	udp := &layers.UDP{SrcPort: 547, DstPort: 546}
	_ = udp.SetNetworkLayerForChecksum(ip6)
	return serializePayload(eth, ip6, udp, resp.ToBytes())
}

// Responders dispatches, in order, every protocol responder for a
// received frame; the first one to answer wins, matching
// handle_rx_packet's fallthrough chain to route_packet.
func Responders() []func(NicConfig, NetworkConfig, []byte) ([]byte, bool) {
	return []func(NicConfig, NetworkConfig, []byte) ([]byte, bool){
		HandleARP,
		HandleDHCPv4,
		HandleDHCPv6,
		HandleICMPv4Echo,
		HandleICMPv6,
	}
}
