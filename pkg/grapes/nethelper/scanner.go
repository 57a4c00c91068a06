package nethelper

import (
	"container/list"

	"golang.org/x/sys/unix"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// Scanner is the single readiness multiplexer driving every client in a
// Dictionary plus a listening socket, using one non-blocking poll()
// call per Scan — never a goroutine per connection. Completed inbound
// messages land in a FIFO drained by Next.
type Scanner struct {
	dict     *Dictionary
	listenFd int
	self     SockAddr
	ready    *list.List
	log      types.Logger
}

// NewScanner builds a scanner bound to listenFd (the accepting socket)
// and self (the address this process hands out during the hello
// handshake on its own outbound connects).
func NewScanner(dict *Dictionary, listenFd int, self SockAddr, log types.Logger) *Scanner {
	return &Scanner{
		dict:     dict,
		listenFd: listenFd,
		self:     self,
		ready:    list.New(),
		log:      log,
	}
}

// Empty reports whether the ready queue is empty.
func (s *Scanner) Empty() bool {
	return s.ready.Len() == 0
}

// Next pops one client with a completed message, or nil if none.
func (s *Scanner) Next() *Client {
	front := s.ready.Front()
	if front == nil {
		return nil
	}
	s.ready.Remove(front)
	return front.Value.(*Client)
}

// Scan performs exactly one poll() pass: it builds a pollfd set from
// the listening socket, every caller-supplied extra fd, and every
// dictionary client (read always armed, write armed only when the
// client has a message in flight or a connect pending), blocks up to
// maxWait (in milliseconds; negative blocks indefinitely), then drains
// what became ready. It returns true if any extra fd (not a client,
// not the listener) became readable, so the caller can distinguish
// "woke for my own fd" from "woke for overlay traffic" — mirroring the
// user_fds retval convention of the C scanner this is grounded on.
func (s *Scanner) Scan(extraFds []int, maxWait int) (bool, error) {
	n := 2 + len(extraFds) + s.dict.Len()
	pfds := make([]unix.PollFd, 0, n)

	pfds = append(pfds, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})
	extraStart := len(pfds)
	for _, fd := range extraFds {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	clientStart := len(pfds)
	var clients []*Client
	s.dict.ForEach(func(_ SockAddr, c *Client) bool {
		fd := c.FD()
		if fd == -1 {
			return true
		}
		events := int16(unix.POLLIN)
		if c.RequiresSending() || c.Connecting() {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		clients = append(clients, c)
		return true
	})

	for {
		_, err := unix.Poll(pfds, maxWait)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		break
	}

	if pfds[0].Revents&unix.POLLIN != 0 {
		if err := s.acceptAll(); err != nil {
			return false, err
		}
	}

	sawExtra := false
	for i := range extraFds {
		if pfds[extraStart+i].Revents&unix.POLLIN != 0 {
			sawExtra = true
		}
	}

	for i, c := range clients {
		revents := pfds[clientStart+i].Revents
		if c.Connecting() {
			if revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) == 0 {
				continue // connect() still pending
			}
			if err := c.CompleteConnect(s.self); err != nil {
				if s.log != nil {
					s.log.Warnf("nethelper: connect to %s failed: %v", c.RemoteAddr(), err)
				}
				c.Close()
				continue
			}
		}
		hadMessage := c.HasMessage()
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			if _, err := c.RunRecv(); err != nil && s.log != nil {
				s.log.Warnf("nethelper: recv error from %s: %v", c.RemoteAddr(), err)
			}
		}
		if revents&unix.POLLOUT != 0 {
			if _, err := c.RunSend(); err != nil && s.log != nil {
				s.log.Warnf("nethelper: send error to %s: %v", c.RemoteAddr(), err)
			}
		}
		if !hadMessage && c.HasMessage() {
			s.ready.PushBack(c)
		}
	}

	return sawExtra, nil
}

// acceptAll drains the listening socket's backlog, running the hello
// handshake on each new connection and binding it into the dictionary
// by the address the peer announces — the same design as
// accept_connections in the source this is grounded on, generalized to
// accept every pending connection instead of relying on an outer loop.
func (s *Scanner) acceptAll() error {
	for {
		fd, _, err := unix.Accept(s.listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return err
		}
		remote, err := RecvHello(fd)
		if err != nil {
			unix.Close(fd)
			if s.log != nil {
				s.log.Warnf("nethelper: hello handshake failed: %v", err)
			}
			continue
		}
		c := s.dict.Search(remote)
		c.SetRemote(remote, fd)
	}
}
