// Package tman implements the gossip-based topology manager: a
// bounded ranked peer cache and the active/idle gossip engine built on
// top of it.
package tman

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/dacav/grapes-overlay/pkg/grapes/nethelper"
	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// RankFunc scores candidate's metadata against target's: the lower
// the return value, the more preferred candidate is as a neighbor of
// target. Caches are kept sorted ascending by this score, so index 0
// is always the most preferred entry.
type RankFunc func(target, candidate []byte) int

type entry struct {
	id   *nethelper.NodeID
	meta []byte
}

// Cache is a bounded, rank-ordered sequence of (NodeID, metadata)
// pairs with uniform metadata width. It has no teacher analogue: the
// source treats peer_cache as an opaque external dependency, so this
// is original code in the idiom of the package's other small,
// directly-testable data types.
type Cache struct {
	entries  []entry
	capacity int
	metaSize int
}

// NewCache returns an empty cache bounded at capacity entries, each
// carrying a metadata blob of exactly metaSize bytes.
func NewCache(capacity, metaSize int) *Cache {
	return &Cache{
		entries:  make([]entry, 0, capacity),
		capacity: capacity,
		metaSize: metaSize,
	}
}

// Len reports the number of occupied slots.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Capacity reports the cache's configured size bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// SetCapacity resizes the bound, trimming the worst-ranked tail
// entries if the cache is currently over the new capacity.
func (c *Cache) SetCapacity(capacity int) {
	c.capacity = capacity
	if len(c.entries) > capacity {
		c.entries = c.entries[:capacity]
	}
}

func (c *Cache) indexOf(id *nethelper.NodeID) int {
	for i, e := range c.entries {
		if nethelper.Equal(e.id, id) {
			return i
		}
	}
	return -1
}

// AddRanked inserts (id, meta) ranked against target via rank,
// replacing any existing entry for the same identity. Returns the
// entry's resulting index, or -1 if the cache was full and the new
// entry ranked worse than every existing one (a no-op, matching the
// source's "reject an entry too far from target" behavior).
func (c *Cache) AddRanked(id *nethelper.NodeID, meta []byte, rank RankFunc, target []byte) (int, error) {
	if len(meta) != c.metaSize {
		return -1, fmt.Errorf("grapes: AddRanked: metadata size %d, want %d", len(meta), c.metaSize)
	}

	stored := make([]byte, c.metaSize)
	copy(stored, meta)

	if idx := c.indexOf(id); idx >= 0 {
		c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	}

	score := rank(target, stored)
	insertAt := len(c.entries)
	for i, e := range c.entries {
		if score < rank(target, e.meta) {
			insertAt = i
			break
		}
	}

	if insertAt >= c.capacity {
		return -1, types.ErrCacheFull
	}

	c.entries = append(c.entries, entry{})
	copy(c.entries[insertAt+1:], c.entries[insertAt:])
	c.entries[insertAt] = entry{id: id, meta: stored}

	if len(c.entries) > c.capacity {
		c.entries = c.entries[:c.capacity]
	}

	return insertAt, nil
}

// MergeRanked combines c and other into a fresh cache of the given
// capacity, ranked against target using rank, keeping the best-ranked
// union of both caches' entries (deduplicated by identity, c's copy
// winning ties). tookFromOther reports whether any entry that came
// uniquely from other survived into the merged result — the gossip
// engine uses this to decide whether the exchange was productive.
func MergeRanked(c, other *Cache, capacity int, rank RankFunc, target []byte) (merged *Cache, tookFromOther bool) {
	metaSize := c.metaSize
	if len(c.entries) == 0 {
		metaSize = other.metaSize
	}
	merged = NewCache(capacity, metaSize)

	seen := make(map[string]bool)
	fromOther := make(map[string]bool)

	for _, e := range c.entries {
		seen[e.id.String()] = true
	}
	for _, e := range other.entries {
		if !seen[e.id.String()] {
			fromOther[e.id.String()] = true
		}
	}

	add := func(e entry) {
		idx, _ := merged.AddRanked(e.id, e.meta, rank, target)
		if idx >= 0 && fromOther[e.id.String()] {
			tookFromOther = true
		}
	}
	for _, e := range c.entries {
		add(e)
	}
	for _, e := range other.entries {
		if fromOther[e.id.String()] {
			add(e)
		}
	}

	return merged, tookFromOther
}

// prepend places (id, meta) at slot 0 unconditionally, bypassing rank
// order — used to stamp the sender's own identity onto an outgoing
// gossip view, since the protocol identifies the sender as whichever
// entry sits at index 0 rather than carrying a dedicated header
// field.
func (c *Cache) prepend(id *nethelper.NodeID, meta []byte) {
	stored := make([]byte, c.metaSize)
	copy(stored, meta)
	c.entries = append([]entry{{id: id, meta: stored}}, c.entries...)
	if len(c.entries) > c.capacity {
		c.capacity = len(c.entries)
	}
}

// RandPeer picks a pseudo-random entry among the top pool most
// preferred slots (the cache is kept rank-ordered, so "top" means
// "best ranked"). pool <= 0 means "the whole cache".
func (c *Cache) RandPeer(pool int) (*nethelper.NodeID, []byte, bool) {
	if len(c.entries) == 0 {
		return nil, nil, false
	}
	n := len(c.entries)
	if pool > 0 && pool < n {
		n = pool
	}
	e := c.entries[rand.Intn(n)]
	return e.id, e.meta, true
}

// NodeID returns the identity stored at slot i.
func (c *Cache) NodeID(i int) (*nethelper.NodeID, bool) {
	if i < 0 || i >= len(c.entries) {
		return nil, false
	}
	return c.entries[i].id, true
}

// Metadata returns every entry's metadata concatenated in slot order,
// plus the uniform per-entry width.
func (c *Cache) Metadata() ([]byte, int) {
	out := make([]byte, 0, len(c.entries)*c.metaSize)
	for _, e := range c.entries {
		out = append(out, e.meta...)
	}
	return out, c.metaSize
}

// Update runs per-epoch bookkeeping. The source's cache_update ages
// out stale entries against an implementation-defined staleness
// policy; this package has no host-visible staleness signal to act
// on, so Update is a deliberate no-op kept for call-site compatibility
// with the engine's send path.
func (c *Cache) Update() {}

// DumpEntries encodes the cache as a wire-format entry list:
// count-prefixed (NodeID dump, fixed-size metadata) pairs.
func (c *Cache) DumpEntries() ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(c.entries)))
	for _, e := range c.entries {
		idb, err := e.id.Dump()
		if err != nil {
			return nil, err
		}
		out = append(out, idb...)
		out = append(out, e.meta...)
	}
	return out, nil
}

// UndumpEntries decodes a cache previously produced by DumpEntries,
// bounded to capacity entries with the given metadata width.
func UndumpEntries(b []byte, capacity, metaSize int) (*Cache, error) {
	if len(b) < 4 {
		return nil, types.ErrProtocol
	}
	count := int(binary.BigEndian.Uint32(b))
	b = b[4:]

	c := NewCache(capacity, metaSize)
	for i := 0; i < count; i++ {
		id, n, err := nethelper.Undump(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if len(b) < metaSize {
			return nil, types.ErrProtocol
		}
		meta := make([]byte, metaSize)
		copy(meta, b[:metaSize])
		b = b[metaSize:]

		c.entries = append(c.entries, entry{id: id, meta: meta})
	}
	return c, nil
}
