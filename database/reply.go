package database

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// timeoutSentinel is the on-disk time value marking a reply that never
// arrived before the deadline.
const timeoutSentinel = uint32(0xFFFFFFFF)

const replyHeaderLen = 4 + 2 // 4-byte time in µs + 2-byte wire length

var ErrWireTooLong = errors.New("wire message length does not fit into 16 bits")

// Reply is one resolver's outcome for one query: either a raw DNS answer
// with its round-trip time, or a timeout. A nil Wire means timeout.
type Reply struct {
	Wire []byte
	RTT  time.Duration
}

func (reply Reply) Timeout() bool {
	return reply.Wire == nil
}

// TimeoutReply returns the shared sentinel outcome for the given deadline.
func TimeoutReply(deadline time.Duration) Reply {
	return Reply{Wire: nil, RTT: deadline}
}

// appendTo encodes the reply in the fixed binary layout:
// 4-byte little-endian time in microseconds (0xFFFFFFFF on timeout),
// 2-byte little-endian wire length, then the raw wire bytes.
func (reply *Reply) appendTo(buf *bytes.Buffer) error {
	if len(reply.Wire) >= 1<<16 {
		return fmt.Errorf("%w: %d bytes", ErrWireTooLong, len(reply.Wire))
	}
	timeInt := timeoutSentinel
	if !reply.Timeout() {
		us := reply.RTT.Microseconds()
		if us < 0 {
			us = 0
		}
		if us >= int64(timeoutSentinel) {
			us = int64(timeoutSentinel) - 1
		}
		timeInt = uint32(us)
	}
	var header [replyHeaderLen]byte
	binary.LittleEndian.PutUint32(header[0:4], timeInt)
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(reply.Wire)))
	buf.Write(header[:])
	buf.Write(reply.Wire)
	return nil
}

func decodeReply(data []byte) (Reply, []byte, error) {
	if len(data) < replyHeaderLen {
		return Reply{}, nil, fmt.Errorf("truncated reply record: %d bytes", len(data))
	}
	timeInt := binary.LittleEndian.Uint32(data[0:4])
	wireLen := int(binary.LittleEndian.Uint16(data[4:6]))
	data = data[replyHeaderLen:]
	if len(data) < wireLen {
		return Reply{}, nil, fmt.Errorf("truncated reply wire: need %d, have %d", wireLen, len(data))
	}
	reply := Reply{}
	if timeInt != timeoutSentinel {
		reply.RTT = time.Duration(timeInt) * time.Microsecond
		reply.Wire = make([]byte, wireLen)
		copy(reply.Wire, data[:wireLen])
	}
	return reply, data[wireLen:], nil
}

// RepliesFactory encodes and decodes one reply set per query. The resolver
// order is fixed at creation time and is part of the on-disk schema: it must
// match the order recorded in the meta table.
type RepliesFactory struct {
	servers []string
}

func NewRepliesFactory(servers []string) (*RepliesFactory, error) {
	if len(servers) == 0 {
		return nil, errors.New("a reply set needs at least one resolver")
	}
	names := make([]string, len(servers))
	copy(names, servers)
	return &RepliesFactory{servers: names}, nil
}

func (factory *RepliesFactory) Servers() []string {
	names := make([]string, len(factory.servers))
	copy(names, factory.servers)
	return names
}

// Encode serializes one reply per configured resolver, in declared order.
// Every resolver must be present in the map.
func (factory *RepliesFactory) Encode(replies map[string]Reply) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range factory.servers {
		reply, ok := replies[name]
		if !ok {
			return nil, fmt.Errorf("missing reply for resolver [%s]", name)
		}
		if err := reply.appendTo(&buf); err != nil {
			return nil, fmt.Errorf("resolver [%s]: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a stored reply set back into per-resolver replies.
// Trailing garbage is an error: it means the stored record was produced
// with a different resolver list.
func (factory *RepliesFactory) Decode(blob []byte) (map[string]Reply, error) {
	replies := make(map[string]Reply, len(factory.servers))
	rest := blob
	for _, name := range factory.servers {
		reply, remaining, err := decodeReply(rest)
		if err != nil {
			return nil, fmt.Errorf("resolver [%s]: %w", name, err)
		}
		replies[name] = reply
		rest = remaining
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after reply set", len(rest))
	}
	return replies, nil
}
