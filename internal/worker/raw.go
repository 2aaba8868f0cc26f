package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/proto"
	"github.com/eddyem/canserver/internal/registry"
)

var errRawSyntax = errors.New("raw command syntax")

// parseRaw turns "ID [d0 ... dN]" (numbers in any base, up to 8 data
// bytes) into a frame.
func parseRaw(cmd string) (can.Frame, error) {
	var f can.Frame
	tokens := proto.Tokens(cmd)
	if len(tokens) < 1 || len(tokens) > 9 {
		return f, errRawSyntax
	}
	id, err := proto.ParseNum(tokens[0])
	if err != nil || id < 0 || id > can.SFFMask {
		return f, fmt.Errorf("%w: id %q", errRawSyntax, tokens[0])
	}
	f.ID = uint32(id)
	for i, tok := range tokens[1:] {
		b, err := proto.ParseNum(tok)
		if err != nil || b < 0 || b > 0xFF {
			return f, fmt.Errorf("%w: byte %q", errRawSyntax, tok)
		}
		f.Data[i] = uint8(b)
	}
	f.Len = uint8(len(tokens) - 1)
	return f, nil
}

// formatRaw renders an inbound frame the way clients expect it:
// "#0xID 0xD0 ... 0xDN".
func formatRaw(f *can.Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#0x%03X", f.ID)
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, " 0x%02X", b)
	}
	return sb.String()
}

// rawLoop sends arbitrary frames and mirrors everything addressed to
// the worker's id back onto the broadcast bus.
func rawLoop(env *Env, w *registry.Worker) {
	for !w.Stopping() {
		if cmd, ok := w.Commands.Pop(); ok {
			f, err := parseRaw(cmd)
			if err != nil {
				metrics.IncMalformed()
				logging.L().Warn("raw_command_dropped", "worker", w.Name, "cmd", cmd, "error", err)
			} else {
				env.Outbound.Push(f)
			}
		}
		if ans, ok := w.Answers.Pop(); ok {
			env.Broadcast.Push(formatRaw(&ans))
		}
		time.Sleep(tick)
	}
}
