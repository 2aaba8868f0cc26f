package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/canopen"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/proto"
	"github.com/eddyem/canserver/internal/registry"
)

// parseSDOCommand turns "NodeID index subindex [d0 ... d3]" into an
// SDO request frame: three tokens make an expedited read, four to
// seven a write of the trailing bytes.
func parseSDOCommand(cmd string) (can.Frame, error) {
	tokens := proto.Tokens(cmd)
	if len(tokens) < 3 || len(tokens) > 7 {
		return can.Frame{}, fmt.Errorf("%w: want 3..7 tokens", errRawSyntax)
	}
	nums := make([]int64, len(tokens))
	for i, tok := range tokens {
		n, err := proto.ParseNum(tok)
		if err != nil {
			return can.Frame{}, fmt.Errorf("%w: %q", errRawSyntax, tok)
		}
		nums[i] = n
	}
	if nums[0] < 0 || nums[0] > 127 {
		return can.Frame{}, fmt.Errorf("%w: node id %d", errRawSyntax, nums[0])
	}
	if nums[1] < 0 || nums[1] > 0xFFFF || nums[2] < 0 || nums[2] > 0xFF {
		return can.Frame{}, fmt.Errorf("%w: index/subindex", errRawSyntax)
	}
	s := canopen.SDO{
		NodeID:   uint8(nums[0]),
		CCS:      canopen.CCSInitUpload,
		Index:    uint16(nums[1]),
		SubIndex: uint8(nums[2]),
	}
	if len(nums) > 3 { // data present: a write
		s.CCS = canopen.CCSInitDownload
		s.DataLen = uint8(len(nums) - 3)
		for i, b := range nums[3:] {
			if b < 0 || b > 0xFF {
				return can.Frame{}, fmt.Errorf("%w: byte %d", errRawSyntax, b)
			}
			s.Data[i] = uint8(b)
		}
	}
	return s.Frame(), nil
}

// formatSDO renders a decoded answer for the broadcast bus.
func formatSDO(name string, s *canopen.SDO) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s nid=0x%02X, idx=0x%04X, subidx=%d, ccs=0x%02X, datalen=%d",
		name, s.NodeID, s.Index, s.SubIndex, s.CCS, s.DataLen)
	if s.DataLen > 0 {
		sb.WriteString(", data=[")
		for i := uint8(0); i < s.DataLen; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "0x%02X", s.Data[i])
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// canopenLoop speaks raw expedited SDO on behalf of clients.
func canopenLoop(env *Env, w *registry.Worker) {
	for !w.Stopping() {
		if cmd, ok := w.Commands.Pop(); ok {
			f, err := parseSDOCommand(cmd)
			if err != nil {
				metrics.IncMalformed()
				logging.L().Warn("canopen_command_dropped", "worker", w.Name, "cmd", cmd, "error", err)
			} else {
				env.Outbound.Push(f)
			}
		}
		if ans, ok := w.Answers.Pop(); ok {
			if s, ok := canopen.Decode(&ans); ok {
				env.Broadcast.Push(formatSDO(w.Name, &s))
			}
		}
		time.Sleep(tick)
	}
}
