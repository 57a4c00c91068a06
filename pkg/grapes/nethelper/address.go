package nethelper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// Address families this module understands. IPv4 is fully implemented;
// IPv6 is reserved so the wire format can grow without breaking the
// family byte's meaning.
const (
	FamilyIPv4 byte = 4
	FamilyIPv6 byte = 6
)

// addrWidth is the fixed on-wire width of a dumped address for a given
// family: 1 family byte + raw IP bytes + 2 port bytes.
func addrWidth(family byte) (int, error) {
	switch family {
	case FamilyIPv4:
		return 1 + net.IPv4len + 2, nil
	case FamilyIPv6:
		return 1 + net.IPv6len + 2, nil
	default:
		return 0, types.ErrUnsupportedFamily
	}
}

// SockAddr is the opaque peer address: a family byte, a raw IP of the
// width that family implies, and a port. It is comparable by value.
type SockAddr struct {
	Family byte
	IP     net.IP
	Port   uint16
}

// NewSockAddr builds a SockAddr from a dotted-quad (or IPv6) string and
// a port. An empty ip means "any" (INADDR_ANY), used for server binds.
func NewSockAddr(ip string, port int) (SockAddr, error) {
	if ip == "" {
		return SockAddr{Family: FamilyIPv4, IP: net.IPv4zero.To4(), Port: uint16(port)}, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return SockAddr{}, fmt.Errorf("grapes: invalid address %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return SockAddr{Family: FamilyIPv4, IP: v4, Port: uint16(port)}, nil
	}
	return SockAddr{Family: FamilyIPv6, IP: parsed.To16(), Port: uint16(port)}, nil
}

// Dump encodes the address into its fixed-width wire form.
func (a SockAddr) Dump() ([]byte, error) {
	width, err := addrWidth(a.Family)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, width)
	buf[0] = a.Family
	copy(buf[1:], a.IP)
	binary.BigEndian.PutUint16(buf[width-2:], a.Port)
	return buf, nil
}

// UndumpSockAddr decodes a SockAddr from its wire form, returning the
// number of bytes consumed.
func UndumpSockAddr(b []byte) (SockAddr, int, error) {
	if len(b) < 1 {
		return SockAddr{}, 0, types.ErrUnsupportedFamily
	}
	family := b[0]
	width, err := addrWidth(family)
	if err != nil {
		return SockAddr{}, 0, err
	}
	if len(b) < width {
		return SockAddr{}, 0, fmt.Errorf("grapes: short address dump: need %d bytes, got %d", width, len(b))
	}
	ipLen := width - 3
	ip := make(net.IP, ipLen)
	copy(ip, b[1:1+ipLen])
	port := binary.BigEndian.Uint16(b[width-2:])
	return SockAddr{Family: family, IP: ip, Port: port}, width, nil
}

// Cmp gives a total order over addresses: byte-lexicographic compare of
// the family-sized prefix (family byte, then IP, then port).
func Cmp(a, b SockAddr) int {
	da, errA := a.Dump()
	db, errB := b.Dump()
	if errA != nil || errB != nil {
		// Fall back to a stable but still total order: shorter (invalid)
		// dumps sort first.
		if errA == nil {
			return 1
		}
		if errB == nil {
			return -1
		}
		return 0
	}
	return bytes.Compare(da, db)
}

// AddrEqual reports whether a and b denote the same address.
func AddrEqual(a, b SockAddr) bool {
	return Cmp(a, b) == 0
}

// String renders "ip:port".
func (a SockAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// key returns the map key used by the neighbor dictionary: the raw
// dump bytes as a string, so two addresses that dump identically
// always collide, mirroring the source's hash-by-serialized-address
// design.
func (a SockAddr) key() string {
	b, err := a.Dump()
	if err != nil {
		return "invalid:" + a.String()
	}
	return string(b)
}

func (a SockAddr) toSockaddrInet4() (*unix.SockaddrInet4, error) {
	if a.Family != FamilyIPv4 {
		return nil, types.ErrUnsupportedFamily
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	copy(sa.Addr[:], a.IP.To4())
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) (SockAddr, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, s.Addr[:])
		return SockAddr{Family: FamilyIPv4, IP: ip, Port: uint16(s.Port)}, nil
	default:
		return SockAddr{}, types.ErrUnsupportedFamily
	}
}

// SendHello writes self's dumped address to fd, immediately after
// connect or accept. It blocks (via poll-and-retry) until the whole
// handshake is on the wire; the hello is a handful of bytes so this
// never meaningfully stalls the caller.
func SendHello(fd int, self SockAddr) error {
	b, err := self.Dump()
	if err != nil {
		return err
	}
	return writeFull(fd, b)
}

// RecvHello reads exactly one dumped address off fd, the mirror of
// SendHello on the accept side.
func RecvHello(fd int) (SockAddr, error) {
	// Family byte first, so we know how many more bytes to expect.
	var famBuf [1]byte
	if err := readFull(fd, famBuf[:]); err != nil {
		return SockAddr{}, err
	}
	width, err := addrWidth(famBuf[0])
	if err != nil {
		return SockAddr{}, err
	}
	rest := make([]byte, width-1)
	if err := readFull(fd, rest); err != nil {
		return SockAddr{}, err
	}
	full := append(famBuf[:], rest...)
	addr, _, err := UndumpSockAddr(full)
	return addr, err
}

// writeFull and readFull drive a non-blocking fd to completion for a
// small, fixed-size buffer, polling for readiness between EAGAIN
// retries. They exist only for the hello handshake, which is short
// enough that looping here (instead of going through the Sender/
// Receiver state machines) is simpler; while one of them waits in
// poll() on its fd, the caller serves no other client.
func writeFull(fd int, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				if perr := pollOne(fd, unix.POLLOUT); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		sent += n
	}
	return nil
}

func readFull(fd int, buf []byte) error {
	recvd := 0
	for recvd < len(buf) {
		n, err := unix.Read(fd, buf[recvd:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				if perr := pollOne(fd, unix.POLLIN); perr != nil {
					return perr
				}
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("grapes: peer closed during hello exchange")
		}
		recvd += n
	}
	return nil
}

func pollOne(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
