// Package nethelper implements a connection-oriented, message-framed
// transport over TCP: a stable peer identity (NodeID), a per-peer
// client with its own send/receive state machine, and a single
// non-blocking readiness scanner driving all of them without
// goroutines.
package nethelper

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

const (
	confKeyBacklog  = "tcp_backlog"
	defaultBacklog  = 50
	confKeyDictHint = "nethelper.dict_hint"
)

// metrics holds the counters and gauges for one NetHelper instance.
// Each instance registers against its own caller-supplied registry —
// never prometheus.DefaultRegisterer — so that more than one NetHelper
// can coexist in a test process without a duplicate-registration
// panic.
type metrics struct {
	scanCycles    prometheus.Counter
	activeClients prometheus.Gauge
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		scanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grapes",
			Subsystem: "nethelper",
			Name:      "scan_cycles_total",
			Help:      "Number of Scan calls performed.",
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "grapes",
			Subsystem: "nethelper",
			Name:      "clients_active",
			Help:      "Number of neighbors currently known to the dictionary.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grapes",
			Subsystem: "nethelper",
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes handed to SendToPeer.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grapes",
			Subsystem: "nethelper",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes returned by RecvFromPeer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scanCycles, m.activeClients, m.bytesSent, m.bytesReceived)
	}
	return m
}

// localState is the per-process state owned by the local identity:
// the neighbor dictionary, the listening socket, the scanner, and its
// metrics. It exists only on the NodeID handle Init returns; remote
// identities never carry one.
type localState struct {
	dict     *Dictionary
	scanner  *Scanner
	listenFd int
	log      types.Logger
	metrics  *metrics
}

// NodeID is a peer identity: a comparable, hashable address, plus —
// for the local peer only — a reference-counted pointer to the
// process-wide state that backs it. Remote identities are plain
// value copies of an address and carry no state.
type NodeID struct {
	addr     SockAddr
	loc      *localState
	refcount *int
}

// NewNodeID wraps addr as a remote (stateless) identity.
func NewNodeID(addr SockAddr) *NodeID {
	return &NodeID{addr: addr}
}

// Dup increments the identity's refcount and returns the same handle,
// mirroring nodeid_dup's shared-ownership semantics. Safe only under
// the single-threaded discipline this package assumes throughout.
func (n *NodeID) Dup() *NodeID {
	if n.refcount != nil {
		*n.refcount++
	}
	return n
}

// Release decrements the identity's refcount, tearing down the owned
// localState (listening socket, dictionary, scanner) on the last
// release. Safe to call on identities with no local state: a no-op.
func (n *NodeID) Release() {
	if n.refcount == nil {
		return
	}
	*n.refcount--
	if *n.refcount == 0 && n.loc != nil {
		n.loc.dict.Close()
		if n.loc.listenFd != -1 {
			unix.Close(n.loc.listenFd)
		}
		n.loc = nil
	}
}

// Compare gives a total order over identities, by address.
func Compare(a, b *NodeID) int {
	if a == b {
		return 0
	}
	return Cmp(a.addr, b.addr)
}

// Equal reports whether a and b denote the same peer.
func Equal(a, b *NodeID) bool {
	if a == b {
		return true
	}
	return AddrEqual(a.addr, b.addr)
}

// Dump encodes the identity's address onto the wire.
func (n *NodeID) Dump() ([]byte, error) {
	return n.addr.Dump()
}

// Undump decodes a NodeID (always stateless/remote) from its wire
// form, returning the bytes consumed.
func Undump(b []byte) (*NodeID, int, error) {
	addr, n, err := UndumpSockAddr(b)
	if err != nil {
		return nil, 0, err
	}
	return NewNodeID(addr), n, nil
}

// IP returns the dotted-quad (or IPv6) string for the identity.
func (n *NodeID) IP() string {
	return n.addr.IP.String()
}

// String renders "ip:port".
func (n *NodeID) String() string {
	return n.addr.String()
}

// tcpServe binds and listens on addr, returning the listening fd and
// the address actually bound — when addr.Port is 0 the kernel assigns
// an ephemeral port, and the caller needs that resolved port back to
// hand out a connectable identity (a bare connect() to port 0 is
// refused, it is not routed to the listener).
func tcpServe(backlog int, addr SockAddr) (int, SockAddr, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, addr, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, addr, err
	}
	sa, err := addr.toSockaddrInet4()
	if err != nil {
		unix.Close(fd)
		return -1, addr, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, addr, fmt.Errorf("grapes: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, addr, fmt.Errorf("grapes: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, addr, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, addr, err
	}
	resolved, err := fromSockaddr(bound)
	if err != nil {
		unix.Close(fd)
		return -1, addr, err
	}
	return fd, resolved, nil
}

// Init creates the local node: binds and listens on ip:port (an empty
// ip binds to all interfaces), builds its neighbor dictionary and
// readiness scanner, and returns the local-identity handle. tags may
// supply "tcp_backlog" (default 50). reg, if non-nil, receives this
// instance's metrics; pass nil to opt out of metrics entirely (never
// the global registry, so multiple instances in one process never
// collide).
func Init(ip string, port int, tags types.Tags, log types.Logger, reg prometheus.Registerer) (*NodeID, error) {
	addr, err := NewSockAddr(ip, port)
	if err != nil {
		return nil, err
	}

	backlog := defaultBacklog
	if tags != nil {
		backlog = tags.IntOrDefault(confKeyBacklog, defaultBacklog)
	}

	listenFd, addr, err := tcpServe(backlog, addr)
	if err != nil {
		return nil, err
	}

	dict := NewDictionary(tags)
	scanner := NewScanner(dict, listenFd, addr, log)

	refcount := 1
	return &NodeID{
		addr: addr,
		loc: &localState{
			dict:     dict,
			scanner:  scanner,
			listenFd: listenFd,
			log:      log,
			metrics:  newMetrics(reg),
		},
		refcount: &refcount,
	}, nil
}

// SendToPeer queues buf for delivery to "to", issuing a non-blocking
// connect first if there is no live client yet, then drives the
// scanner (the package's one legitimate suspension point) until the
// connect's hello handshake and the queued write both clear the wire.
// Returns the payload size on success, or -1 and an error if the
// connect fails or the connection is closed before the write clears.
func SendToPeer(self, to *NodeID, buf []byte) (int, error) {
	if self.loc == nil {
		return -1, fmt.Errorf("grapes: SendToPeer: self has no local state")
	}
	loc := self.loc

	cl := loc.dict.Search(to.addr)
	if !cl.Valid() {
		if err := cl.Connect(to.addr); err != nil {
			return -1, err
		}
	}

	if err := cl.Write(buf); err != nil {
		return -1, err
	}

	for cl.Connecting() || cl.RequiresSending() {
		if _, err := loc.scan(nil, -1); err != nil {
			return -1, err
		}
		if cl.FD() == -1 {
			return -1, fmt.Errorf("grapes: SendToPeer: connection to %s failed or was closed", to)
		}
	}

	loc.metrics.bytesSent.Add(float64(len(buf)))
	return len(buf), nil
}

// scan runs one Scan and keeps the instance's metrics current.
func (loc *localState) scan(extraFds []int, maxWait int) (bool, error) {
	woke, err := loc.scanner.Scan(extraFds, maxWait)
	loc.metrics.scanCycles.Inc()
	loc.metrics.activeClients.Set(float64(loc.dict.Len()))
	return woke, err
}

// RecvFromPeer blocks (via repeated unbounded scans) until some
// neighbor has a complete message, then returns it along with a fresh
// remote-only identity bound to the sender's address.
func RecvFromPeer(self *NodeID) (*NodeID, []byte, error) {
	if self.loc == nil {
		return nil, nil, fmt.Errorf("grapes: RecvFromPeer: self has no local state")
	}
	loc := self.loc

	for loc.scanner.Empty() {
		if _, err := loc.scan(nil, -1); err != nil {
			return nil, nil, err
		}
	}

	cl := loc.scanner.Next()
	buf, _ := cl.Read()
	loc.metrics.bytesReceived.Add(float64(len(buf)))
	return NewNodeID(cl.RemoteAddr()), buf, nil
}

// Wait4Data returns 1 promptly if a message is already queued;
// otherwise it scans repeatedly, bounded by tout (using Remaining, not
// Elapsed, to avoid re-arming a select/poll timeout with the wrong
// sign), folding in any userFds wake signal. Returns 0 on timeout with
// nothing pending.
func Wait4Data(self *NodeID, tout time.Duration, userFds []int) (int, error) {
	if self.loc == nil {
		return -1, fmt.Errorf("grapes: Wait4Data: self has no local state")
	}
	loc := self.loc

	if !loc.scanner.Empty() {
		return 1, nil
	}

	deadline := NewTimeout(tout)
	woke := 0
	for !deadline.Expired() && loc.scanner.Empty() {
		maxWait := int(deadline.Remaining() / time.Millisecond)
		sawExtra, err := loc.scan(userFds, maxWait)
		if err != nil {
			return -1, err
		}
		if sawExtra {
			woke = 1
		}
	}

	if woke == 1 || !loc.scanner.Empty() {
		return 1, nil
	}
	return 0, nil
}
