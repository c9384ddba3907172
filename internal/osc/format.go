package osc

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// FormatArgs renders decoded arguments as a single line of text, one token
// per argument separated by spaces. Nested arrays are bracketed.
func FormatArgs(args []any) string {
	var sb strings.Builder
	formatArgs(&sb, args)
	return sb.String()
}

func formatArgs(sb *strings.Builder, args []any) {
	for i, arg := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		formatArg(sb, arg)
	}
}

func formatArg(sb *strings.Builder, arg any) {
	switch v := arg.(type) {
	case int32:
		sb.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(v, 10))
	case int:
		sb.WriteString(strconv.Itoa(v))
	case float32:
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		sb.WriteString(v)
	case []byte:
		sb.WriteString("0x")
		sb.WriteString(hex.EncodeToString(v))
	case bool:
		sb.WriteString(strconv.FormatBool(v))
	case nil:
		sb.WriteString("nil")
	case Impulse:
		sb.WriteString("impulse")
	case Char:
		sb.WriteRune(rune(v))
	case Timetag:
		sb.WriteString(v.String())
	case RGBA:
		sb.WriteString("#")
		sb.WriteString(strconv.FormatUint(uint64(v)|1<<32, 16)[1:])
	case MIDI:
		sb.WriteString("midi:")
		sb.WriteString(hex.EncodeToString(v[:]))
	case []any:
		sb.WriteByte('[')
		formatArgs(sb, v)
		sb.WriteByte(']')
	default:
		sb.WriteString("?")
	}
}
