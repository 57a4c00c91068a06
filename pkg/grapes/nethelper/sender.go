package nethelper

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

const headerSize = 4

// SenderState is the externally visible state of a Sender.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderBusy
)

type senderPhase int

const (
	sndHeader senderPhase = iota
	sndMessage
	sndIdle
)

// Sender frames and writes a single outgoing message at a time: a
// 4-byte network-order length prefix followed by the payload. It never
// blocks the caller — Run writes as much as the kernel accepts and
// returns.
type Sender struct {
	phase  senderPhase
	buffer []byte
	header [headerSize]byte
	sent   int
}

// NewSender returns a Sender in the idle state.
func NewSender() *Sender {
	s := &Sender{}
	s.reset()
	return s
}

func (s *Sender) reset() {
	s.phase = sndIdle
	s.sent = 0
}

// State reports whether the sender can accept a new Subscribe.
func (s *Sender) State() SenderState {
	if s.phase == sndIdle {
		return SenderIdle
	}
	return SenderBusy
}

// Subscribe queues msg for sending. It fails with types.ErrBusy unless
// the sender is idle.
func (s *Sender) Subscribe(msg []byte) error {
	if s.phase != sndIdle {
		return types.ErrBusy
	}
	s.buffer = append(s.buffer[:0], msg...)
	binary.BigEndian.PutUint32(s.header[:], uint32(len(msg)))
	s.sent = 0
	s.phase = sndHeader
	return nil
}

// Run writes from the current segment (header, then payload) using a
// non-blocking fd, looping as long as the kernel keeps accepting bytes.
// Returns >0 on progress (including reaching idle again), 0 on orderly
// close, <0-equivalent via the returned error otherwise.
func (s *Sender) Run(fd int) (int, error) {
	for {
		var out []byte
		var next senderPhase

		switch s.phase {
		case sndHeader:
			out = s.header[:]
			next = sndMessage
		case sndMessage:
			out = s.buffer
			next = sndIdle
		default:
			return 1, nil
		}

		if len(out) == 0 {
			// A 0-byte message (or the degenerate empty header, which
			// never happens) needs no write to complete its segment.
			s.sent = 0
			s.phase = next
			continue
		}

		n, err := unix.Write(fd, out[s.sent:])
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
		s.sent += n
		if s.sent == len(out) {
			s.sent = 0
			s.phase = next
		}

		if !canSendMore(fd) {
			return 1, nil
		}
	}
}

func canSendMore(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	return err == nil && n > 0 && fds[0].Revents&unix.POLLOUT != 0
}
