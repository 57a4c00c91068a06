package tman

import (
	"testing"

	"github.com/dacav/grapes-overlay/pkg/grapes/nethelper"
	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

func peerID(t *testing.T, port int) *nethelper.NodeID {
	t.Helper()
	addr, err := nethelper.NewSockAddr("10.0.0.1", port)
	if err != nil {
		t.Fatalf("NewSockAddr: %v", err)
	}
	return nethelper.NewNodeID(addr)
}

// absRank scores candidates by the absolute difference of their single
// metadata byte against target's — lower is closer, matching RankFunc's
// "lower is more preferred" contract.
func absRank(target, candidate []byte) int {
	d := int(target[0]) - int(candidate[0])
	if d < 0 {
		d = -d
	}
	return d
}

func TestCache_AddRankedOrdersByScore(t *testing.T) {
	c := NewCache(3, 1)
	target := []byte{50}

	if _, err := c.AddRanked(peerID(t, 1), []byte{10}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}
	if _, err := c.AddRanked(peerID(t, 2), []byte{60}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}
	if _, err := c.AddRanked(peerID(t, 3), []byte{45}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}

	id, ok := c.NodeID(0)
	if !ok || id.String() != peerID(t, 3).String() {
		t.Fatalf("best-ranked entry = %v, want the one scoring closest to target", id)
	}
}

func TestCache_AddRankedReplacesSameIdentity(t *testing.T) {
	c := NewCache(3, 1)
	target := []byte{0}
	id := peerID(t, 1)

	if _, err := c.AddRanked(id, []byte{5}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}
	if _, err := c.AddRanked(id, []byte{9}, absRank, target); err != nil {
		t.Fatalf("AddRanked (update): %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (same identity should replace, not duplicate)", c.Len())
	}
}

func TestCache_AddRankedRejectsWhenFull(t *testing.T) {
	c := NewCache(2, 1)
	target := []byte{0}

	if _, err := c.AddRanked(peerID(t, 1), []byte{1}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}
	if _, err := c.AddRanked(peerID(t, 2), []byte{2}, absRank, target); err != nil {
		t.Fatalf("AddRanked: %v", err)
	}

	idx, err := c.AddRanked(peerID(t, 3), []byte{100}, absRank, target)
	if err != types.ErrCacheFull {
		t.Fatalf("AddRanked(worse-than-all, full) err = %v, want ErrCacheFull", err)
	}
	if idx != -1 {
		t.Fatalf("AddRanked(rejected) index = %d, want -1", idx)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d after a rejected insert, want unchanged 2", c.Len())
	}
}

func TestCache_AddRankedEvictsWorstWhenBetterArrives(t *testing.T) {
	c := NewCache(2, 1)
	target := []byte{0}

	c.AddRanked(peerID(t, 1), []byte{10}, absRank, target)
	c.AddRanked(peerID(t, 2), []byte{20}, absRank, target)

	idx, err := c.AddRanked(peerID(t, 3), []byte{1}, absRank, target)
	if err != nil {
		t.Fatalf("AddRanked(better): %v", err)
	}
	if idx != 0 {
		t.Fatalf("AddRanked(better) index = %d, want 0", idx)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want capacity-bound 2", c.Len())
	}
	if _, ok := c.NodeID(0); !ok {
		t.Fatal("expected a best-ranked entry at slot 0")
	}
}

func TestCache_AddRankedWrongMetaSize(t *testing.T) {
	c := NewCache(2, 4)
	if _, err := c.AddRanked(peerID(t, 1), []byte{1}, absRank, []byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected an error for a metadata width mismatch")
	}
}

func TestCache_Prepend(t *testing.T) {
	c := NewCache(2, 1)
	target := []byte{0}
	c.AddRanked(peerID(t, 1), []byte{5}, absRank, target)
	c.AddRanked(peerID(t, 2), []byte{1}, absRank, target)

	self := peerID(t, 99)
	c.prepend(self, []byte{255})

	id, ok := c.NodeID(0)
	if !ok || id.String() != self.String() {
		t.Fatalf("prepend did not place identity at slot 0: %v", id)
	}
	if c.Len() != 3 {
		t.Fatalf("Len() = %d after prepend, want 3 (capacity grows to fit)", c.Len())
	}
}

func TestCache_RandPeerRespectsPool(t *testing.T) {
	c := NewCache(5, 1)
	target := []byte{0}
	for i := 0; i < 5; i++ {
		c.AddRanked(peerID(t, i+1), []byte{byte(i * 10)}, absRank, target)
	}

	for i := 0; i < 20; i++ {
		id, _, ok := c.RandPeer(2)
		if !ok {
			t.Fatal("RandPeer on a non-empty cache returned ok=false")
		}
		top0, _ := c.NodeID(0)
		top1, _ := c.NodeID(1)
		if id.String() != top0.String() && id.String() != top1.String() {
			t.Fatalf("RandPeer(2) picked %v, outside the top-2 pool", id)
		}
	}
}

func TestCache_RandPeerEmpty(t *testing.T) {
	c := NewCache(2, 1)
	if _, _, ok := c.RandPeer(2); ok {
		t.Fatal("RandPeer on an empty cache should report ok=false")
	}
}

func TestCache_SetCapacityTrimsTail(t *testing.T) {
	c := NewCache(4, 1)
	target := []byte{0}
	for i := 0; i < 4; i++ {
		c.AddRanked(peerID(t, i+1), []byte{byte(i * 10)}, absRank, target)
	}
	c.SetCapacity(2)
	if c.Len() != 2 {
		t.Fatalf("Len() = %d after shrinking capacity, want 2", c.Len())
	}
}

func TestMergeRanked_DedupesByIdentityNotPointer(t *testing.T) {
	target := []byte{0}
	shared := peerID(t, 1)

	c := NewCache(3, 1)
	c.AddRanked(shared, []byte{1}, absRank, target)

	other := NewCache(3, 1)
	dup := peerID(t, 1) // same address, distinct pointer
	other.AddRanked(dup, []byte{2}, absRank, target)
	other.AddRanked(peerID(t, 2), []byte{3}, absRank, target)

	merged, tookFromOther := MergeRanked(c, other, 3, absRank, target)
	if merged.Len() != 2 {
		t.Fatalf("merged.Len() = %d, want 2 (shared identity deduped)", merged.Len())
	}
	if !tookFromOther {
		t.Fatal("expected tookFromOther=true: other contributed a genuinely new peer")
	}
}

func TestMergeRanked_NoNewPeers(t *testing.T) {
	target := []byte{0}
	id := peerID(t, 1)

	c := NewCache(3, 1)
	c.AddRanked(id, []byte{1}, absRank, target)

	other := NewCache(3, 1)
	other.AddRanked(peerID(t, 1), []byte{2}, absRank, target)

	_, tookFromOther := MergeRanked(c, other, 3, absRank, target)
	if tookFromOther {
		t.Fatal("expected tookFromOther=false: other has no peer absent from c")
	}
}

func TestCache_DumpUndumpEntriesRoundTrip(t *testing.T) {
	target := []byte{0}
	c := NewCache(3, 2)
	c.AddRanked(peerID(t, 1), []byte{1, 2}, absRank, target)
	c.AddRanked(peerID(t, 2), []byte{3, 4}, absRank, target)

	b, err := c.DumpEntries()
	if err != nil {
		t.Fatalf("DumpEntries: %v", err)
	}

	got, err := UndumpEntries(b, 3, 2)
	if err != nil {
		t.Fatalf("UndumpEntries: %v", err)
	}
	if got.Len() != c.Len() {
		t.Fatalf("UndumpEntries Len() = %d, want %d", got.Len(), c.Len())
	}
	for i := 0; i < c.Len(); i++ {
		wantID, _ := c.NodeID(i)
		gotID, _ := got.NodeID(i)
		if wantID.String() != gotID.String() {
			t.Fatalf("entry %d identity mismatch: %v != %v", i, gotID, wantID)
		}
	}
}

func TestUndumpEntries_ShortBuffer(t *testing.T) {
	if _, err := UndumpEntries([]byte{0, 0}, 3, 2); err == nil {
		t.Fatal("expected an error for a truncated entry-count prefix")
	}
}
