package nethelper

import "github.com/dacav/grapes-overlay/pkg/grapes/types"

// Dictionary maps peer addresses to their Client, creating an empty,
// disconnected Client on first lookup. Every neighbor known to the
// overlay, connected or not, lives here exactly once.
type Dictionary struct {
	entries map[string]*Client
	byAddr  map[string]SockAddr
	tags    types.Tags
}

// NewDictionary returns an empty dictionary. tags is kept for callers
// that size internal structures off configuration (e.g. an initial map
// capacity hint); it may be nil.
func NewDictionary(tags types.Tags) *Dictionary {
	cap := 0
	if tags != nil {
		cap = tags.IntOrDefault(confKeyDictHint, 0)
	}
	return &Dictionary{
		entries: make(map[string]*Client, cap),
		byAddr:  make(map[string]SockAddr, cap),
		tags:    tags,
	}
}

// Search returns the Client bound to addr, creating one (disconnected,
// idle) if this is the first time addr is seen.
func (d *Dictionary) Search(addr SockAddr) *Client {
	k := addr.key()
	c, ok := d.entries[k]
	if !ok {
		c = NewClient()
		d.entries[k] = c
		d.byAddr[k] = addr
	}
	return c
}

// Lookup returns the Client bound to addr without creating one.
func (d *Dictionary) Lookup(addr SockAddr) (*Client, bool) {
	c, ok := d.entries[addr.key()]
	return c, ok
}

// Remove drops addr from the dictionary, closing its client first.
func (d *Dictionary) Remove(addr SockAddr) {
	k := addr.key()
	if c, ok := d.entries[k]; ok {
		c.Close()
		delete(d.entries, k)
		delete(d.byAddr, k)
	}
}

// Len reports the number of known neighbors.
func (d *Dictionary) Len() int {
	return len(d.entries)
}

// ForEach visits every (address, client) pair. Visiting stops early if
// cb returns false, mirroring the short-circuit contract of
// dict_foreach in the source this type is modeled on.
func (d *Dictionary) ForEach(cb func(addr SockAddr, c *Client) bool) {
	for k, c := range d.entries {
		if !cb(d.byAddr[k], c) {
			return
		}
	}
}

// Close tears down every client in the dictionary.
func (d *Dictionary) Close() {
	for _, c := range d.entries {
		c.Close()
	}
	d.entries = make(map[string]*Client)
	d.byAddr = make(map[string]SockAddr)
}
