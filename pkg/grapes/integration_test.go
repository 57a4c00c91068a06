package grapes_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/dacav/grapes-overlay/pkg/grapes/nethelper"
	"github.com/dacav/grapes-overlay/pkg/grapes/tman"
)

// byteRank scores candidates by the absolute difference of their single
// metadata byte against the target's.
func byteRank(target, candidate []byte) int {
	d := int(target[0]) - int(candidate[0])
	if d < 0 {
		d = -d
	}
	return d
}

type node struct {
	self *nethelper.NodeID
	eng  *tman.Engine
}

func newNode(t *testing.T, meta byte) node {
	t.Helper()
	self, err := nethelper.Init("127.0.0.1", 0, nil, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("nethelper.Init: %v", err)
	}
	t.Cleanup(self.Release)
	eng := tman.NewEngine(self, []byte{meta}, 1, byteRank, 0, nil, nil)
	return node{self: self, eng: eng}
}

func remoteOf(t *testing.T, n node) *nethelper.NodeID {
	t.Helper()
	b, err := n.self.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	id, _, err := nethelper.Undump(b)
	if err != nil {
		t.Fatalf("Undump: %v", err)
	}
	return id
}

// pump drives one end-to-end gossip round: from's periodic timer fires
// (ParseData with no payload), sending whatever its engine queues up;
// to receives and processes it, producing a reply routed back through
// from's engine.
func pump(t *testing.T, from, to node) {
	t.Helper()
	time.Sleep(tman.InitPeriod + 50*time.Millisecond)
	from.eng.ParseData(nil, nil, nil)

	_, buf, err := nethelper.RecvFromPeer(to.self)
	if err != nil {
		t.Fatalf("RecvFromPeer(to): %v", err)
	}
	to.eng.ParseData(buf, nil, nil)

	_, reply, err := nethelper.RecvFromPeer(from.self)
	if err != nil {
		t.Fatalf("RecvFromPeer(from): %v", err)
	}
	from.eng.ParseData(reply, nil, nil)
}

// TestOverlay_ThreeNodesConverge bootstraps a 3-node overlay from a
// chain of introductions (A knows B, B knows C) and exercises enough
// gossip rounds for every node to learn about every other, the same
// property SPEC_FULL's topology-convergence scenario describes.
func TestOverlay_ThreeNodesConverge(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newNode(t, 10)
	b := newNode(t, 20)
	c := newNode(t, 30)

	if err := a.eng.AddNeighbour(remoteOf(t, b), []byte{20}); err != nil {
		t.Fatalf("AddNeighbour(a -> b): %v", err)
	}
	if err := b.eng.AddNeighbour(remoteOf(t, c), []byte{30}); err != nil {
		t.Fatalf("AddNeighbour(b -> c): %v", err)
	}

	// Round 1: a <-> b. b learns a; a's view of b is confirmed.
	pump(t, a, b)
	if b.eng.NeighbourhoodSize() < 1 {
		t.Fatal("b did not learn about a after the first gossip round")
	}

	// Round 2: b <-> c, with b's (now richer) cache including a.
	pump(t, b, c)
	if c.eng.NeighbourhoodSize() < 1 {
		t.Fatal("c did not learn about b after gossiping with it")
	}

	// Round 3: repeat a <-> b so a's cache can pick up anything b
	// learned from c in round 2.
	pump(t, a, b)

	if a.eng.NeighbourhoodSize() == 0 {
		t.Fatal("a ended the exchange with an empty neighbourhood")
	}
}

func TestOverlay_ChangeMetadataPropagates(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newNode(t, 1)
	b := newNode(t, 2)

	if err := a.eng.ChangeMetadata(remoteOf(t, b), []byte{99}); err != nil {
		t.Fatalf("ChangeMetadata: %v", err)
	}

	_, buf, err := nethelper.RecvFromPeer(b.self)
	if err != nil {
		t.Fatalf("RecvFromPeer: %v", err)
	}
	if ret := b.eng.ParseData(buf, nil, nil); ret != 0 {
		t.Fatalf("ParseData = %d, want 0", ret)
	}
	if b.eng.NeighbourhoodSize() != 1 {
		t.Fatalf("b's NeighbourhoodSize() = %d after receiving a's updated-metadata query, want 1", b.eng.NeighbourhoodSize())
	}
}
