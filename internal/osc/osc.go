// Package osc decodes and encodes Open Sound Control 1.0 packets.
//
// A packet is either a message (address pattern, type tag string, arguments)
// or a bundle ("#bundle", time tag, size-prefixed elements that are
// themselves packets). Every field is big-endian and padded to a multiple of
// four bytes.
//
// Decoded argument types by tag:
//
//	i int32    h int64    f float32   d float64
//	s string   S string   b []byte    c Char
//	t Timetag  r RGBA     m MIDI
//	T true     F false    N nil       I Impulse
//	[ ... ]    []any (nested array)
package osc

import (
	"errors"
	"strconv"
	"time"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("osc: malformed packet")

// bundleTag starts every bundle packet.
const bundleTag = "#bundle"

// maxBundleDepth bounds bundle nesting.
const maxBundleDepth = 8

// Message is a single decoded OSC message.
type Message struct {
	Address string
	Args    []any
}

// NewMessage builds a message for encoding.
func NewMessage(address string, args ...any) Message {
	return Message{Address: address, Args: args}
}

// Timetag is an NTP-format time tag: seconds since 1900 in the upper 32 bits,
// fractional seconds in the lower 32 bits. The value 1 means "immediately".
type Timetag uint64

// Immediate is the time tag that means "process now".
const Immediate Timetag = 1

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// NewTimetag converts t to a time tag.
func NewTimetag(t time.Time) Timetag {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return Timetag(secs<<32 | frac)
}

// Time converts the time tag to wall-clock time.
func (t Timetag) Time() time.Time {
	secs := int64(uint64(t)>>32) - ntpEpochOffset
	frac := uint64(t) & 0xffffffff
	nanos := int64(frac * uint64(time.Second) >> 32)
	return time.Unix(secs, nanos)
}

func (t Timetag) String() string { return strconv.FormatUint(uint64(t), 10) }

// Char is an ASCII character argument ('c').
type Char rune

// RGBA is a 32-bit color argument ('r').
type RGBA uint32

// MIDI is a 4-byte MIDI message argument ('m'): port id, status, data1, data2.
type MIDI [4]byte

// Impulse is the "Infinitum" argument ('I'), which carries no data.
type Impulse struct{}
