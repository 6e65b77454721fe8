//go:build linux

package dataplane

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cuemby/warren/pkg/apierr"
)

const (
	ifnamsiz   = 16
	iffTap     = 0x0002
	iffNoPI    = 0x1000
	tunSetIff  = 0x400454ca // _IOW('T', 202, int), matches <linux/if_tun.h>
)

type ifReq struct {
	Name  [ifnamsiz]byte
	Flags uint16
	pad   [22]byte
}

// TAPBackend is the ReactorBackend for the tunnel uplink: a character
// device opened O_NONBLOCK, read and written directly, one frame per
// syscall. Used for internet-bound traffic leaving the host.
type TAPBackend struct {
	name string
	fd   *os.File
}

// OpenTAP creates (or attaches to) a persistent TAP interface named
// name and returns a non-blocking backend over it, via the same
// TUNSETIFF ioctl dance Go network tooling conventionally uses.
func OpenTAP(name string) (*TAPBackend, error) {
	fd, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "open /dev/net/tun")
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTap | iffNoPI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		fd.Close()
		return nil, apierr.Wrap(apierr.Internal, errno, "TUNSETIFF %s", name)
	}
	if err := unix.SetNonblock(int(fd.Fd()), true); err != nil {
		fd.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "set %s non-blocking", name)
	}
	return &TAPBackend{name: name, fd: fd}, nil
}

func (t *TAPBackend) TryRecv(buf []byte) (int, RecvStatus) {
	n, err := t.fd.Read(buf)
	if err == nil {
		return n, RecvPacket
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, RecvWouldBlock
	}
	return 0, RecvDone
}

func (t *TAPBackend) Send(buf []byte) error {
	_, err := t.fd.Write(buf)
	return err
}

func (t *TAPBackend) PollFD() (int, bool) { return int(t.fd.Fd()), true }

func (t *TAPBackend) ProcessCompletions() {}

func (t *TAPBackend) Close() error { return t.fd.Close() }
