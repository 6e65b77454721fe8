package dataplane

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cuemby/warren/pkg/metrics"
)

// RecvStatus is the result of a backend's non-blocking receive attempt.
type RecvStatus int

const (
	RecvWouldBlock RecvStatus = iota
	RecvPacket
	RecvDone
)

// ReactorBackend abstracts the device a reactor drives: either a
// vhost-user virtqueue pair (one reactor per vNIC) or a TAP character
// device (the tunnel uplink reactor).
type ReactorBackend interface {
	TryRecv(buf []byte) (int, RecvStatus)
	Send(buf []byte) error
	PollFD() (int, bool)
	ProcessCompletions()
}

const (
	maxBatch   = 64
	bufferSize = 65536
)

// Reactor drains one backend and one inbox, handing received packets
// through handleRX and outbound packets to the backend. It runs on a
// dedicated goroutine pinned to an OS thread, approximating the
// "dedicated OS thread per vNIC/tunnel" resource model.
type Reactor struct {
	NICID     string
	NetworkID string
	Backend   ReactorBackend
	Inbox     chan PacketMsg
	handleRX  func(buf []byte)
	shutdown  chan struct{}
}

func NewReactor(nicID, networkID string, backend ReactorBackend, handleRX func([]byte)) *Reactor {
	return &Reactor{
		NICID:     nicID,
		NetworkID: networkID,
		Backend:   backend,
		Inbox:     make(chan PacketMsg, 1024),
		handleRX:  handleRX,
		shutdown:  make(chan struct{}),
	}
}

func (r *Reactor) Stop() { close(r.shutdown) }

// Run is the reactor loop described by the packet dispatch section:
// drain up to 64 inbox messages, drain up to 64 backend packets, let
// the backend do housekeeping, and if neither phase did any work,
// idle briefly rather than busy-spin.
func (r *Reactor) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, bufferSize)
	for {
		select {
		case <-r.shutdown:
			return
		default:
		}

		did := 0
		for i := 0; i < maxBatch; i++ {
			select {
			case msg := <-r.Inbox:
				if err := r.Backend.Send(msg.Frame); err != nil {
					metrics.PacketsDroppedTotal.WithLabelValues("send_error").Inc()
					log.Warn().Err(err).Str("nic_id", r.NICID).Msg("dataplane: backend send failed")
				}
				did++
			default:
				i = maxBatch
			}
		}

		for i := 0; i < maxBatch; i++ {
			n, status := r.Backend.TryRecv(buf)
			switch status {
			case RecvPacket:
				frame := make([]byte, n)
				copy(frame, buf[:n])
				r.handleRX(frame)
				did++
			case RecvDone:
				r.Backend.ProcessCompletions()
				return
			default:
				i = maxBatch
			}
		}

		r.Backend.ProcessCompletions()

		if did == 0 {
			select {
			case <-r.shutdown:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}
