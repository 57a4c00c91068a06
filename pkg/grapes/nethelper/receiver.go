package nethelper

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// ReceiverState is the externally visible state of a Receiver.
type ReceiverState int

const (
	ReceiverEmpty ReceiverState = iota
	ReceiverBusy
	ReceiverMsgReady
)

type receiverPhase int

const (
	rcvHeader receiverPhase = iota
	rcvMessage
	rcvComplete
)

// MaxMessageSize bounds the declared payload size a Receiver will
// accept, rejecting pathological or corrupt length prefixes. The
// source left this "implementation-defined"; we pick a generous but
// finite default.
const MaxMessageSize = 64 * 1024 * 1024

// Receiver frames and reads a single incoming message at a time,
// reusing its payload buffer across messages (resized on each new
// header).
type Receiver struct {
	phase  receiverPhase
	header [headerSize]byte
	buffer []byte
	recvd  int
}

// NewReceiver returns a Receiver ready to read a header.
func NewReceiver() *Receiver {
	r := &Receiver{}
	r.Reset()
	return r
}

// Reset returns the receiver to its header-reading state, discarding
// any partially received header or message.
func (r *Receiver) Reset() {
	r.phase = rcvHeader
	r.recvd = 0
}

// State reports the receiver's externally visible state.
func (r *Receiver) State() ReceiverState {
	switch r.phase {
	case rcvHeader:
		if r.recvd > 0 {
			return ReceiverBusy
		}
		return ReceiverEmpty
	case rcvMessage:
		return ReceiverBusy
	default:
		return ReceiverMsgReady
	}
}

// Read returns a copy of the completed message and resets the receiver
// to read the next header. Returns (nil, false) if no message is
// ready.
func (r *Receiver) Read() ([]byte, bool) {
	if r.phase != rcvComplete {
		return nil, false
	}
	out := make([]byte, len(r.buffer))
	copy(out, r.buffer)
	r.Reset()
	return out, true
}

// Run reads into the current segment using a non-blocking fd, looping
// as long as the kernel keeps delivering bytes. Returns >0 on progress
// or completion, 0 on orderly close (caller must tear down fd), and a
// non-nil error otherwise (including a protocol violation on a bad
// declared size).
func (r *Receiver) Run(fd int) (int, error) {
	for {
		switch r.phase {
		case rcvHeader:
			n, err := unix.Read(fd, r.header[r.recvd:])
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					return 1, nil
				}
				if err == unix.EINTR {
					continue
				}
				return -1, err
			}
			if n <= 0 {
				return n, nil
			}
			r.recvd += n
			if r.recvd == headerSize {
				declared := int32(binary.BigEndian.Uint32(r.header[:]))
				if declared == -1 || declared < 0 || int(declared) > MaxMessageSize {
					return -1, types.ErrBadHeader
				}
				if cap(r.buffer) >= int(declared) {
					r.buffer = r.buffer[:declared]
				} else {
					r.buffer = make([]byte, declared)
				}
				r.recvd = 0
				r.phase = rcvMessage
				if declared == 0 {
					// A 0-byte payload is complete the instant the
					// header is: there is nothing left to read.
					r.phase = rcvComplete
					return 1, nil
				}
			}
		case rcvMessage:
			n, err := unix.Read(fd, r.buffer[r.recvd:])
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					return 1, nil
				}
				if err == unix.EINTR {
					continue
				}
				return -1, err
			}
			if n <= 0 {
				return n, nil
			}
			r.recvd += n
			if r.recvd == len(r.buffer) {
				r.recvd = 0
				r.phase = rcvComplete
				return 1, nil
			}
		default:
			return 1, nil
		}

		if !canRecvMore(fd) {
			return 1, nil
		}
	}
}

func canRecvMore(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}
