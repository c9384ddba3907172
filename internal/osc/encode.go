package osc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// MarshalBinary encodes the message. Go values map to tags as follows:
// int32 i, int and int64 h (int uses i when it fits in 32 bits), float32 f,
// float64 d, string s, []byte b, bool T/F, nil N, and the package types
// Char, Timetag, RGBA, MIDI, Impulse; []any becomes an array.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Address == "" || m.Address[0] != '/' {
		return nil, fmt.Errorf("osc: address %q must start with '/'", m.Address)
	}
	var tags strings.Builder
	tags.WriteByte(',')
	var body []byte
	if err := encodeArgs(m.Args, &tags, &body); err != nil {
		return nil, err
	}
	var out []byte
	out = appendString(out, m.Address)
	out = appendString(out, tags.String())
	return append(out, body...), nil
}

// EncodeBundle encodes messages as a single bundle with the given time tag.
func EncodeBundle(tt Timetag, msgs ...Message) ([]byte, error) {
	out := appendString(nil, bundleTag)
	out = binary.BigEndian.AppendUint64(out, uint64(tt))
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

func encodeArgs(args []any, tags *strings.Builder, body *[]byte) error {
	b := *body
	defer func() { *body = b }()
	for _, arg := range args {
		switch v := arg.(type) {
		case int32:
			tags.WriteByte('i')
			b = binary.BigEndian.AppendUint32(b, uint32(v))
		case int:
			if v >= math.MinInt32 && v <= math.MaxInt32 {
				tags.WriteByte('i')
				b = binary.BigEndian.AppendUint32(b, uint32(int32(v)))
			} else {
				tags.WriteByte('h')
				b = binary.BigEndian.AppendUint64(b, uint64(v))
			}
		case int64:
			tags.WriteByte('h')
			b = binary.BigEndian.AppendUint64(b, uint64(v))
		case float32:
			tags.WriteByte('f')
			b = binary.BigEndian.AppendUint32(b, math.Float32bits(v))
		case float64:
			tags.WriteByte('d')
			b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
		case string:
			tags.WriteByte('s')
			b = appendString(b, v)
		case []byte:
			tags.WriteByte('b')
			b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
			b = append(b, v...)
			b = append(b, make([]byte, padded(len(v))-len(v))...)
		case bool:
			if v {
				tags.WriteByte('T')
			} else {
				tags.WriteByte('F')
			}
		case nil:
			tags.WriteByte('N')
		case Impulse:
			tags.WriteByte('I')
		case Char:
			tags.WriteByte('c')
			b = binary.BigEndian.AppendUint32(b, uint32(v))
		case Timetag:
			tags.WriteByte('t')
			b = binary.BigEndian.AppendUint64(b, uint64(v))
		case RGBA:
			tags.WriteByte('r')
			b = binary.BigEndian.AppendUint32(b, uint32(v))
		case MIDI:
			tags.WriteByte('m')
			b = append(b, v[:]...)
		case []any:
			tags.WriteByte('[')
			if err := encodeArgs(v, tags, &b); err != nil {
				return err
			}
			tags.WriteByte(']')
		default:
			return fmt.Errorf("osc: unsupported argument type %T", arg)
		}
	}
	return nil
}

// appendString appends s as a NUL-terminated string padded to four bytes.
func appendString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, make([]byte, padded(len(s)+1)-len(s))...)
}
