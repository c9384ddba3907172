package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ParsePacket decodes a datagram into the messages it carries. Bundles are
// flattened depth-first in element order.
func ParsePacket(data []byte) ([]Message, error) {
	var out []Message
	if err := parsePacket(data, 0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parsePacket(data []byte, depth int, out *[]Message) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	switch data[0] {
	case '/':
		msg, err := ParseMessage(data)
		if err != nil {
			return err
		}
		*out = append(*out, msg)
		return nil
	case '#':
		return parseBundle(data, depth, out)
	default:
		return fmt.Errorf("%w: packet starts with %q", ErrMalformed, data[0])
	}
}

func parseBundle(data []byte, depth int, out *[]Message) error {
	if depth >= maxBundleDepth {
		return fmt.Errorf("%w: bundles nested deeper than %d", ErrMalformed, maxBundleDepth)
	}
	r := reader{buf: data}
	tag, err := r.string()
	if err != nil {
		return err
	}
	if tag != bundleTag {
		return fmt.Errorf("%w: bad bundle tag %q", ErrMalformed, tag)
	}
	if _, err := r.uint64(); err != nil {
		return err
	}
	for r.remaining() > 0 {
		size, err := r.int32()
		if err != nil {
			return err
		}
		if size < 0 || int(size) > r.remaining() || size%4 != 0 {
			return fmt.Errorf("%w: bundle element size %d", ErrMalformed, size)
		}
		elem := r.next(int(size))
		if err := parsePacket(elem, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

// ParseMessage decodes a single (non-bundle) OSC message. A message with no
// type tag string is accepted as having no arguments.
func ParseMessage(data []byte) (Message, error) {
	r := reader{buf: data}
	addr, err := r.string()
	if err != nil {
		return Message{}, err
	}
	if addr == "" || addr[0] != '/' {
		return Message{}, fmt.Errorf("%w: address %q", ErrMalformed, addr)
	}
	msg := Message{Address: addr}
	if r.remaining() == 0 {
		return msg, nil
	}
	tags, err := r.string()
	if err != nil {
		return Message{}, err
	}
	if tags == "" || tags[0] != ',' {
		return Message{}, fmt.Errorf("%w: type tag string %q", ErrMalformed, tags)
	}
	args, _, err := r.args(tags[1:], 0)
	if err != nil {
		return Message{}, err
	}
	msg.Args = args
	return msg, nil
}

// reader walks an OSC byte stream with 4-byte alignment.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) next(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) need(n int, what string) error {
	if r.remaining() < n {
		return fmt.Errorf("%w: truncated %s at offset %d", ErrMalformed, what, r.off)
	}
	return nil
}

func (r *reader) int32() (int32, error) {
	if err := r.need(4, "int32"); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.next(4))), nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4, "uint32"); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.next(4)), nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8, "uint64"); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(r.next(8)), nil
}

// string reads a NUL-terminated, 4-byte padded OSC string.
func (r *reader) string() (string, error) {
	end := bytes.IndexByte(r.buf[r.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformed, r.off)
	}
	s := string(r.buf[r.off : r.off+end])
	n := padded(end + 1)
	if err := r.need(n, "string padding"); err != nil {
		return "", err
	}
	r.off += n
	return s, nil
}

func (r *reader) blob() ([]byte, error) {
	size, err := r.int32()
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative blob size", ErrMalformed)
	}
	n := padded(int(size))
	if err := r.need(n, "blob"); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	copy(b, r.buf[r.off:r.off+int(size)])
	r.off += n
	return b, nil
}

// args decodes arguments for tags until the tags run out or a closing ']'
// is reached, returning the unconsumed tags (starting at the ']').
func (r *reader) args(tags string, depth int) ([]any, string, error) {
	args := make([]any, 0, len(tags))
	for len(tags) > 0 {
		tag := tags[0]
		tags = tags[1:]
		switch tag {
		case 'i':
			v, err := r.int32()
			if err != nil {
				return nil, "", err
			}
			args = append(args, v)
		case 'h':
			v, err := r.uint64()
			if err != nil {
				return nil, "", err
			}
			args = append(args, int64(v))
		case 'f':
			v, err := r.uint32()
			if err != nil {
				return nil, "", err
			}
			args = append(args, math.Float32frombits(v))
		case 'd':
			v, err := r.uint64()
			if err != nil {
				return nil, "", err
			}
			args = append(args, math.Float64frombits(v))
		case 's', 'S':
			v, err := r.string()
			if err != nil {
				return nil, "", err
			}
			args = append(args, v)
		case 'b':
			v, err := r.blob()
			if err != nil {
				return nil, "", err
			}
			args = append(args, v)
		case 'c':
			v, err := r.int32()
			if err != nil {
				return nil, "", err
			}
			args = append(args, Char(v))
		case 't':
			v, err := r.uint64()
			if err != nil {
				return nil, "", err
			}
			args = append(args, Timetag(v))
		case 'r':
			v, err := r.uint32()
			if err != nil {
				return nil, "", err
			}
			args = append(args, RGBA(v))
		case 'm':
			if err := r.need(4, "midi"); err != nil {
				return nil, "", err
			}
			var m MIDI
			copy(m[:], r.next(4))
			args = append(args, m)
		case 'T':
			args = append(args, true)
		case 'F':
			args = append(args, false)
		case 'N':
			args = append(args, nil)
		case 'I':
			args = append(args, Impulse{})
		case '[':
			if depth >= maxBundleDepth {
				return nil, "", fmt.Errorf("%w: arrays nested too deep", ErrMalformed)
			}
			inner, rest, err := r.args(tags, depth+1)
			if err != nil {
				return nil, "", err
			}
			if rest == "" {
				return nil, "", fmt.Errorf("%w: unterminated '[' in type tags", ErrMalformed)
			}
			tags = rest[1:]
			args = append(args, inner)
		case ']':
			if depth == 0 {
				return nil, "", fmt.Errorf("%w: unbalanced ']' in type tags", ErrMalformed)
			}
			return args, "]" + tags, nil
		default:
			return nil, "", fmt.Errorf("%w: unknown type tag %q", ErrMalformed, tag)
		}
	}
	return args, "", nil
}

// padded rounds n up to a multiple of four.
func padded(n int) int {
	return (n + 3) &^ 3
}
