package tman

import (
	"github.com/dacav/grapes-overlay/pkg/grapes/nethelper"
	"github.com/dacav/grapes-overlay/pkg/grapes/types"
)

// MsgTypeTMan is the fixed protocol tag every gossip message carries,
// grounded on MSG_TYPE_TMAN in the source this package is modeled on.
const MsgTypeTMan uint8 = 2

// MsgType distinguishes a gossip request from its answer.
type MsgType uint8

const (
	Query MsgType = iota
	Reply
)

// header is the two-byte prefix on every gossip message.
type header struct {
	protocol uint8
	msgType  MsgType
}

func dumpHeader(h header) []byte {
	return []byte{h.protocol, uint8(h.msgType)}
}

func undumpHeader(b []byte) (header, error) {
	if len(b) < 2 {
		return header{}, types.ErrProtocol
	}
	return header{protocol: b[0], msgType: MsgType(b[1])}, nil
}

// encodeMessage frames typ plus the cache dump into one gossip
// message ready for SendToPeer.
func encodeMessage(typ MsgType, c *Cache) ([]byte, error) {
	body, err := c.DumpEntries()
	if err != nil {
		return nil, err
	}
	out := dumpHeader(header{protocol: MsgTypeTMan, msgType: typ})
	return append(out, body...), nil
}

// decodeMessage validates the header and decodes the remote cache.
// capacity/metaSize bound the resulting cache the same way the
// receiving engine's own cache is bounded.
func decodeMessage(buf []byte, capacity, metaSize int) (MsgType, *Cache, error) {
	h, err := undumpHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if h.protocol != MsgTypeTMan {
		return 0, nil, types.ErrProtocol
	}
	if h.msgType != Query && h.msgType != Reply {
		return 0, nil, types.ErrProtocol
	}
	remote, err := UndumpEntries(buf[2:], capacity, metaSize)
	if err != nil {
		return 0, nil, err
	}
	return h.msgType, remote, nil
}

// sendQuery and sendReply wrap SendToPeer with the gossip framing.
func sendQuery(self, to *nethelper.NodeID, c *Cache) error {
	buf, err := encodeMessage(Query, c)
	if err != nil {
		return err
	}
	_, err = nethelper.SendToPeer(self, to, buf)
	return err
}

func sendReply(self, to *nethelper.NodeID, c *Cache) error {
	buf, err := encodeMessage(Reply, c)
	if err != nil {
		return err
	}
	_, err = nethelper.SendToPeer(self, to, buf)
	return err
}
