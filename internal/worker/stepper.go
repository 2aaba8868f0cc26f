package worker

import (
	"fmt"
	"time"

	"github.com/eddyem/canserver/internal/canopen"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/proto"
	"github.com/eddyem/canserver/internal/registry"
)

// stepperCmd ties a command name to its arity and behaviour.
type stepperCmd struct {
	name  string
	nargs int
	help  string
	run   func(st *stepperState, args []int64)
}

// stepperState is the per-worker context of the stepper protocol.
type stepperState struct {
	env *Env
	w   *registry.Worker
	nid uint8
	// clearPending arms the acknowledge sequence after `stop`: the
	// next clearPending DEVSTATUS or ERRSTATE value answers, of either
	// kind, are written back verbatim.
	clearPending int
}

func (st *stepperState) read(e *canopen.Entry) {
	st.env.Outbound.Push(canopen.EncodeRead(e, st.nid))
}

func (st *stepperState) write(e *canopen.Entry, v int64) {
	st.env.Outbound.Push(canopen.EncodeWrite(e, st.nid, v))
}

func (st *stepperState) say(format string, args ...any) {
	st.env.Broadcast.Push(st.w.Name + " " + fmt.Sprintf(format, args...))
}

// infoEntries is the fixed list the `info` command queries.
var infoEntries = []*canopen.Entry{
	&canopen.DevStatus, &canopen.ErrState, &canopen.Position,
	&canopen.MaxSpeed, &canopen.OpMode, &canopen.StartSpeed,
	&canopen.StopSpeed, &canopen.AccelCoef, &canopen.DecelCoef,
	&canopen.MicroSteps, &canopen.MaxCurrent, &canopen.HeartbeatTime,
}

var stepperCmds = []stepperCmd{
	{"help", 0, "show this list", nil},
	{"stop", 0, "stop motor, then acknowledge state", func(st *stepperState, _ []int64) {
		st.write(&canopen.Stop, 1)
		st.read(&canopen.DevStatus)
		st.read(&canopen.ErrState)
		st.clearPending = 2
	}},
	{"status", 0, "read device status, position and error state", func(st *stepperState, _ []int64) {
		st.read(&canopen.DevStatus)
		st.read(&canopen.Position)
		st.read(&canopen.ErrState)
	}},
	{"relmove", 1, "move relative by N steps (sign selects direction)", func(st *stepperState, args []int64) {
		d := args[0]
		if d < 0 {
			st.write(&canopen.RotDir, 0)
			d = -d
		} else {
			st.write(&canopen.RotDir, 1)
		}
		st.write(&canopen.RelSteps, d)
	}},
	{"absmove", 1, "move to absolute position N", func(st *stepperState, args []int64) {
		st.write(&canopen.AbsSteps, args[0])
	}},
	{"enable", 1, "enable (1) or disable (0) the motor", func(st *stepperState, args []int64) {
		st.write(&canopen.Enable, args[0])
	}},
	{"setzero", 0, "declare current position to be zero", func(st *stepperState, _ []int64) {
		st.write(&canopen.Position, 0)
	}},
	{"maxspeed", 1, "set maximal speed", func(st *stepperState, args []int64) {
		if args[0] < canopen.MaxSpeedMin || args[0] > canopen.MaxSpeedMax {
			st.say("error='maxspeed out of range'")
			return
		}
		st.write(&canopen.MaxSpeed, args[0])
	}},
	{"info", 0, "read all common parameters", func(st *stepperState, _ []int64) {
		for _, e := range infoEntries {
			st.read(e)
		}
	}},
}

func (st *stepperState) command(cmd string) {
	tokens := proto.Tokens(cmd)
	if len(tokens) == 0 {
		return
	}
	for i := range stepperCmds {
		c := &stepperCmds[i]
		if c.name != tokens[0] {
			continue
		}
		if c.name == "help" {
			for _, h := range stepperCmds {
				st.say("help: %s - %s", h.name, h.help)
			}
			return
		}
		if len(tokens)-1 != c.nargs {
			st.say("error='%s wants %d argument(s)'", c.name, c.nargs)
			return
		}
		args := make([]int64, 0, c.nargs)
		for _, tok := range tokens[1:] {
			n, err := proto.ParseNum(tok)
			if err != nil {
				metrics.IncMalformed()
				st.say("error='bad number %s'", tok)
				return
			}
			args = append(args, n)
		}
		c.run(st, args)
		return
	}
	st.say("error='unknown command %s, try help'", tokens[0])
}

// answer handles one decoded SDO answer from the node.
func (st *stepperState) answer(s *canopen.SDO) {
	entry := canopen.Find(s.Index, s.SubIndex)
	if entry == nil {
		// Not ours to name; fall back to the generic rendering.
		st.env.Broadcast.Push(formatSDO(st.w.Name, s))
		return
	}
	v, zero, abort, code := s.Value(entry)
	switch {
	case abort:
		text, ok := canopen.AbortText(code)
		if !ok {
			text = "unknown abort code"
		}
		st.say("abortcode='0x%08X' error='%s'", code, text)
	case zero:
		st.say("%s=OK", entry.Name)
	default:
		st.say("%s=%d", entry.Name, v)
		if st.clearPending > 0 && (entry == &canopen.DevStatus || entry == &canopen.ErrState) {
			// Acknowledge sequence: write the state back verbatim to
			// clear latched bits.
			st.write(entry, v)
			st.clearPending--
		}
	}
}

// stepperLoop drives one pusirobot stepper node through the SDO
// dictionary. The node id is the low bits of the worker's CAN id.
func stepperLoop(env *Env, w *registry.Worker) {
	st := &stepperState{env: env, w: w, nid: uint8(w.ID & canopen.NodeIDMask)}
	logging.L().Info("stepper_started", "worker", w.Name, "node", st.nid)
	for !w.Stopping() {
		if cmd, ok := w.Commands.Pop(); ok {
			st.command(cmd)
		}
		if ans, ok := w.Answers.Pop(); ok {
			if s, ok := canopen.Decode(&ans); ok {
				st.answer(&s)
			}
		}
		time.Sleep(tick)
	}
}
