package worker

import (
	"strings"
	"testing"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/canopen"
	"github.com/eddyem/canserver/internal/queue"
	"github.com/eddyem/canserver/internal/registry"
)

func newStepperState(name string, nid uint8) (*stepperState, *Env) {
	env := &Env{
		Outbound:  queue.New[can.Frame](),
		Broadcast: queue.New[string](),
	}
	w := &registry.Worker{Name: name}
	return &stepperState{env: env, w: w, nid: nid}, env
}

func popFrame(t *testing.T, env *Env) can.Frame {
	t.Helper()
	f, ok := env.Outbound.Pop()
	if !ok {
		t.Fatal("outbound queue empty")
	}
	return f
}

func popLine(t *testing.T, env *Env) string {
	t.Helper()
	s, ok := env.Broadcast.Pop()
	if !ok {
		t.Fatal("broadcast queue empty")
	}
	return s
}

func TestRelmoveSplitsSign(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("relmove -1200")
	dir := popFrame(t, env)
	if want := canopen.EncodeWrite(&canopen.RotDir, 1, 0); dir != want {
		t.Fatalf("first frame = %+v, want ROTDIR=0 %+v", dir, want)
	}
	steps := popFrame(t, env)
	if want := canopen.EncodeWrite(&canopen.RelSteps, 1, 1200); steps != want {
		t.Fatalf("second frame = %+v, want RELSTEPS=1200 %+v", steps, want)
	}
	if _, ok := env.Outbound.Pop(); ok {
		t.Fatal("extra frame on outbound bus")
	}

	st.command("relmove 500")
	dir = popFrame(t, env)
	if want := canopen.EncodeWrite(&canopen.RotDir, 1, 1); dir != want {
		t.Fatalf("positive move: first frame = %+v", dir)
	}
	steps = popFrame(t, env)
	if want := canopen.EncodeWrite(&canopen.RelSteps, 1, 500); steps != want {
		t.Fatalf("positive move: second frame = %+v", steps)
	}
}

func TestAbsmoveAndSetzero(t *testing.T) {
	st, env := newStepperState("s1", 3)
	st.command("absmove -42")
	if f, want := popFrame(t, env), canopen.EncodeWrite(&canopen.AbsSteps, 3, -42); f != want {
		t.Fatalf("absmove frame = %+v", f)
	}
	st.command("setzero")
	if f, want := popFrame(t, env), canopen.EncodeWrite(&canopen.Position, 3, 0); f != want {
		t.Fatalf("setzero frame = %+v", f)
	}
}

func TestStatusReads(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("status")
	for _, e := range []*canopen.Entry{&canopen.DevStatus, &canopen.Position, &canopen.ErrState} {
		if f, want := popFrame(t, env), canopen.EncodeRead(e, 1); f != want {
			t.Fatalf("status read %s = %+v", e.Name, f)
		}
	}
}

func TestStopArmsClearSequence(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("stop")
	if f, want := popFrame(t, env), canopen.EncodeWrite(&canopen.Stop, 1, 1); f != want {
		t.Fatalf("stop frame = %+v", f)
	}
	popFrame(t, env) // DEVSTATUS read
	popFrame(t, env) // ERRSTATE read
	if st.clearPending != 2 {
		t.Fatalf("clearPending = %d", st.clearPending)
	}
	// DEVSTATUS answer with a latched bit: must be written back verbatim.
	ans := canopen.EncodeWrite(&canopen.DevStatus, 1, 0x08)
	ans.ID = canopen.TSDOBase | 1
	s, ok := canopen.Decode(&ans)
	if !ok {
		t.Fatal("decode fixture")
	}
	st.answer(&s)
	if line := popLine(t, env); line != "s1 DEVSTATUS=8" {
		t.Fatalf("broadcast = %q", line)
	}
	back := popFrame(t, env)
	if want := canopen.EncodeWrite(&canopen.DevStatus, 1, 0x08); back != want {
		t.Fatalf("write-back frame = %+v", back)
	}
	if st.clearPending != 1 {
		t.Fatalf("clearPending = %d after first ack", st.clearPending)
	}
}

func TestAnswerRendering(t *testing.T) {
	st, env := newStepperState("s1", 1)

	// value answer
	val := canopen.EncodeWrite(&canopen.Position, 1, 12345)
	val.ID = canopen.TSDOBase | 1
	s, _ := canopen.Decode(&val)
	st.answer(&s)
	if line := popLine(t, env); line != "s1 POSITION=12345" {
		t.Fatalf("value line = %q", line)
	}

	// zero-length write acknowledge
	ack := can.Frame{ID: canopen.TSDOBase | 1, Len: 8, Data: [8]byte{0x60, 0x20, 0x60, 0}}
	s, _ = canopen.Decode(&ack)
	st.answer(&s)
	if line := popLine(t, env); line != "s1 STOP=OK" {
		t.Fatalf("ack line = %q", line)
	}

	// abort with a known code
	abort := can.Frame{ID: canopen.TSDOBase | 1, Len: 8,
		Data: [8]byte{0x80, 0x20, 0x60, 0x00, 0x00, 0x00, 0x04, 0x06}}
	s, _ = canopen.Decode(&abort)
	st.answer(&s)
	want := "s1 abortcode='0x06040000' error='Object does not exist in the object dictionary'"
	if line := popLine(t, env); line != want {
		t.Fatalf("abort line = %q,\nwant       %q", line, want)
	}

	// unknown object falls back to the generic SDO rendering
	foreign := can.Frame{ID: canopen.TSDOBase | 1, Len: 8,
		Data: [8]byte{0x4B, 0x99, 0x99, 0x00, 0x01, 0x02, 0, 0}}
	s, _ = canopen.Decode(&foreign)
	st.answer(&s)
	if line := popLine(t, env); !strings.HasPrefix(line, "s1 nid=0x01, idx=0x9999") {
		t.Fatalf("fallback line = %q", line)
	}
}

func TestUnknownCommand(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("warp 9")
	if line := popLine(t, env); !strings.Contains(line, "unknown command") {
		t.Fatalf("line = %q", line)
	}
	st.command("relmove")
	if line := popLine(t, env); !strings.Contains(line, "argument") {
		t.Fatalf("line = %q", line)
	}
	if _, ok := env.Outbound.Pop(); ok {
		t.Fatal("bad command produced a frame")
	}
}

func TestMaxspeedRange(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("maxspeed 300000")
	if line := popLine(t, env); !strings.Contains(line, "out of range") {
		t.Fatalf("line = %q", line)
	}
	if _, ok := env.Outbound.Pop(); ok {
		t.Fatal("out-of-range maxspeed produced a frame")
	}
	st.command("maxspeed -1000")
	if f, want := popFrame(t, env), canopen.EncodeWrite(&canopen.MaxSpeed, 1, -1000); f != want {
		t.Fatalf("maxspeed frame = %+v", f)
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	st, env := newStepperState("s1", 1)
	st.command("help")
	seen := map[string]bool{}
	for {
		line, ok := env.Broadcast.Pop()
		if !ok {
			break
		}
		for _, c := range stepperCmds {
			if strings.Contains(line, " "+c.name+" ") {
				seen[c.name] = true
			}
		}
	}
	for _, c := range stepperCmds {
		if !seen[c.name] {
			t.Errorf("help does not mention %q", c.name)
		}
	}
}

func TestInfoIssuesAllReads(t *testing.T) {
	st, env := newStepperState("s1", 2)
	st.command("info")
	for _, e := range infoEntries {
		if f, want := popFrame(t, env), canopen.EncodeRead(e, 2); f != want {
			t.Fatalf("info read %s = %+v", e.Name, f)
		}
	}
	if _, ok := env.Outbound.Pop(); ok {
		t.Fatal("info produced extra frames")
	}
}
