//go:build linux

package dataplane

import (
	"context"
	"net"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"

	"github.com/cuemby/warren/pkg/apierr"
)

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// RawSocketBackend is an alternative ReactorBackend for the tunnel
// uplink reactor: an AF_PACKET socket bound to a real host interface,
// used instead of TAPBackend when a public network's uplink is a
// physical or bonded NIC trunk rather than a dedicated tunnel device.
type RawSocketBackend struct {
	conn *socket.Conn
}

// OpenRawSocket binds an AF_PACKET/SOCK_RAW socket to ifaceName,
// receiving every frame that arrives on it regardless of destination
// MAC (ETH_P_ALL), the same trunk-mode binding tcpdump uses.
func OpenRawSocket(ifaceName string) (*RawSocketBackend, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "lookup interface %s", ifaceName)
	}

	proto := int(htons(unix.ETH_P_ALL))
	conn, err := socket.Socket(unix.AF_PACKET, unix.SOCK_RAW, proto, "mvirt-raw", nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "open AF_PACKET socket")
	}

	addr := &unix.SockaddrLinklayer{Protocol: uint16(proto), Ifindex: ifi.Index}
	if err := conn.Bind(addr); err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "bind AF_PACKET socket to %s", ifaceName)
	}
	return &RawSocketBackend{conn: conn}, nil
}

func (r *RawSocketBackend) TryRecv(buf []byte) (int, RecvStatus) {
	n, _, err := r.conn.Recvfrom(context.Background(), buf, unix.MSG_DONTWAIT)
	if err == nil {
		return n, RecvPacket
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, RecvWouldBlock
	}
	return 0, RecvDone
}

func (r *RawSocketBackend) Send(buf []byte) error {
	_, err := r.conn.Write(buf)
	return err
}

func (r *RawSocketBackend) PollFD() (int, bool) {
	var fd int
	rc, err := r.conn.SyscallConn()
	if err != nil {
		return -1, false
	}
	_ = rc.Control(func(f uintptr) { fd = int(f) })
	return fd, true
}

func (r *RawSocketBackend) ProcessCompletions() {}

func (r *RawSocketBackend) Close() error { return r.conn.Close() }
