package database

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/powerman/check"
)

func TestReplyRoundTrip(tt *testing.T) {
	t := check.T(tt)
	factory, err := NewRepliesFactory([]string{"kresd", "bind"})
	t.Nil(err)

	replies := map[string]Reply{
		"kresd": {Wire: []byte{0xde, 0xad, 0xbe, 0xef}, RTT: 1500 * time.Microsecond},
		"bind":  TimeoutReply(5 * time.Second),
	}
	blob, err := factory.Encode(replies)
	t.Nil(err)

	decoded, err := factory.Decode(blob)
	t.Nil(err)
	t.DeepEqual(decoded["kresd"].Wire, []byte{0xde, 0xad, 0xbe, 0xef})
	t.EQ(decoded["kresd"].RTT, 1500*time.Microsecond)
	t.False(decoded["kresd"].Timeout())
	t.True(decoded["bind"].Timeout())
}

func TestReplyEmptyWireIsNotTimeout(tt *testing.T) {
	t := check.T(tt)
	factory, err := NewRepliesFactory([]string{"one"})
	t.Nil(err)

	// a zero-length answer is distinct from a timeout on the wire:
	// the time field carries a real value instead of the sentinel
	blob, err := factory.Encode(map[string]Reply{
		"one": {Wire: []byte{}, RTT: 42 * time.Microsecond},
	})
	t.Nil(err)
	decoded, err := factory.Decode(blob)
	t.Nil(err)
	t.False(decoded["one"].Timeout())
	t.EQ(decoded["one"].RTT, 42*time.Microsecond)
}

func TestReplyWireTooLong(tt *testing.T) {
	t := check.T(tt)
	factory, err := NewRepliesFactory([]string{"one"})
	t.Nil(err)

	_, err = factory.Encode(map[string]Reply{
		"one": {Wire: make([]byte, 1<<16), RTT: time.Millisecond},
	})
	t.Must(errors.Is(err, ErrWireTooLong))
}

func TestReplyMissingResolver(tt *testing.T) {
	t := check.T(tt)
	factory, err := NewRepliesFactory([]string{"one", "two"})
	t.Nil(err)

	_, err = factory.Encode(map[string]Reply{
		"one": {Wire: []byte{1}, RTT: time.Millisecond},
	})
	t.NotNil(err)
}

func TestReplyDecodeTrailingGarbage(tt *testing.T) {
	t := check.T(tt)
	two, err := NewRepliesFactory([]string{"one", "two"})
	t.Nil(err)
	one, err := NewRepliesFactory([]string{"one"})
	t.Nil(err)

	blob, err := two.Encode(map[string]Reply{
		"one": {Wire: []byte{1}, RTT: time.Millisecond},
		"two": {Wire: []byte{2}, RTT: time.Millisecond},
	})
	t.Nil(err)

	// decoding with a shorter resolver list must not silently succeed
	_, err = one.Decode(blob)
	t.NotNil(err)
	_, err = two.Decode(blob[:len(blob)-1])
	t.NotNil(err)
}

func TestReplyEncodingLayout(tt *testing.T) {
	t := check.T(tt)
	factory, err := NewRepliesFactory([]string{"res"})
	t.Nil(err)

	blob, err := factory.Encode(map[string]Reply{
		"res": {Wire: []byte{0xAB, 0xCD}, RTT: 258 * time.Microsecond},
	})
	t.Nil(err)
	expected := []byte{
		0x02, 0x01, 0x00, 0x00, // 258 µs, little-endian
		0x02, 0x00, // wire length 2, little-endian
		0xAB, 0xCD,
	}
	t.Must(bytes.Equal(blob, expected))

	blob, err = factory.Encode(map[string]Reply{"res": TimeoutReply(time.Second)})
	t.Nil(err)
	t.Must(bytes.Equal(blob, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00}))
}
