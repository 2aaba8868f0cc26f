package adapter

import (
	"strconv"
	"strings"

	"github.com/eddyem/canserver/internal/can"
)

// ParseFrame parses one adapter line of the form
//
//	<u32 ms> #0x<id> 0x<b0> ... 0x<b7>
//
// into a frame. ok is false for any line that does not match the
// fixed prefix (informational adapter output, echo, garbage).
func ParseFrame(line string) (can.Frame, bool) {
	var f can.Frame
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 10 {
		return f, false
	}
	ts, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return f, false
	}
	if !strings.HasPrefix(fields[1], "#0x") && !strings.HasPrefix(fields[1], "#0X") {
		return f, false
	}
	id, err := strconv.ParseUint(fields[1][3:], 16, 32)
	if err != nil || id > can.SFFMask {
		return f, false
	}
	f.Time = uint32(ts)
	f.ID = uint32(id)
	for i, tok := range fields[2:] {
		if !strings.HasPrefix(tok, "0x") && !strings.HasPrefix(tok, "0X") {
			return can.Frame{}, false
		}
		b, err := strconv.ParseUint(tok[2:], 16, 8)
		if err != nil {
			return can.Frame{}, false
		}
		f.Data[i] = uint8(b)
	}
	f.Len = uint8(len(fields) - 2)
	return f, true
}

// EmitFrame renders the adapter send command for a frame:
// "s <id> <b0> ... <bN>", all decimal. The adapter accepts decimal,
// hex and octal; decimal keeps the line short.
func EmitFrame(f *can.Frame) string {
	var sb strings.Builder
	sb.WriteString("s ")
	sb.WriteString(strconv.FormatUint(uint64(f.ID), 10))
	for _, b := range f.Payload() {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatUint(uint64(b), 10))
	}
	return sb.String()
}
