package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/eddyem/canserver/internal/can"
)

// idleRole parks until unregistered.
func idleRole(w *Worker) {
	for !w.Stopping() {
		time.Sleep(time.Millisecond)
	}
}

func testRoles() map[string]RoleFunc {
	return map[string]RoleFunc{
		"stepper": idleRole,
		"raw":     idleRole,
	}
}

func TestRegisterUniqueness(t *testing.T) {
	r := New(testRoles())
	defer r.Shutdown()
	if _, err := r.Register("m1", 0x181, "stepper"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register("m1", 0x200, "raw"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name: got %v", err)
	}
	if _, err := r.Register("m2", 0x181, "raw"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate id: got %v", err)
	}
	if _, err := r.Register("m2", 0x200, "bogus"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("unknown role: got %v", err)
	}
	if _, err := r.Register("", 0x300, "raw"); !errors.Is(err, ErrBadName) {
		t.Fatalf("empty name: got %v", err)
	}
	long := make([]byte, NameMaxLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := r.Register(string(long), 0x300, "raw"); !errors.Is(err, ErrBadName) {
		t.Fatalf("overlong name: got %v", err)
	}
}

func TestSingleTap(t *testing.T) {
	r := New(testRoles())
	defer r.Shutdown()
	if _, err := r.Register("tap", 0, "raw"); err != nil {
		t.Fatalf("tap register: %v", err)
	}
	if _, err := r.Register("tap2", 0, "raw"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second tap: got %v", err)
	}
}

func TestDispatchFanout(t *testing.T) {
	r := New(testRoles())
	defer r.Shutdown()
	tap, err := r.Register("tap", 0, "raw")
	if err != nil {
		t.Fatal(err)
	}
	m1, err := r.Register("m1", 0x181, "stepper")
	if err != nil {
		t.Fatal(err)
	}
	frames := []can.Frame{
		{ID: 0x181, Len: 1, Data: [8]byte{1}},
		{ID: 0x181, Len: 1, Data: [8]byte{2}},
		{ID: 0x700, Len: 1, Data: [8]byte{3}}, // no owner: tap only
	}
	for _, f := range frames {
		r.Dispatch(f)
	}
	// Tap sees everything in FIFO order.
	for i, want := range []byte{1, 2, 3} {
		f, ok := tap.Answers.Pop()
		if !ok || f.Data[0] != want {
			t.Fatalf("tap frame #%d: %+v ok=%v", i, f, ok)
		}
	}
	// The owner sees only its id, in order.
	for i, want := range []byte{1, 2} {
		f, ok := m1.Answers.Pop()
		if !ok || f.Data[0] != want {
			t.Fatalf("m1 frame #%d: %+v ok=%v", i, f, ok)
		}
	}
	if _, ok := m1.Answers.Pop(); ok {
		t.Fatal("m1 received a frame for a foreign id")
	}
}

func TestUnregister(t *testing.T) {
	r := New(testRoles())
	if _, err := r.Register("m1", 0x181, "stepper"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister("m1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := r.Unregister("m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second unregister: got %v", err)
	}
	if r.FindByName("m1") != nil || r.FindByID(0x181) != nil {
		t.Fatal("worker still findable after unregister")
	}
	// Name and id are free again.
	if _, err := r.Register("m1", 0x181, "raw"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	r.Shutdown()
}

func TestIterOrder(t *testing.T) {
	r := New(testRoles())
	defer r.Shutdown()
	names := []string{"a", "b", "c", "d"}
	for i, n := range names {
		if _, err := r.Register(n, 0x100+i, "raw"); err != nil {
			t.Fatal(err)
		}
	}
	_ = r.Unregister("b")
	got := r.Iter()
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Iter len = %d", len(got))
	}
	for i, w := range want {
		if got[i].Name != w {
			t.Fatalf("Iter[%d] = %s, want %s", i, got[i].Name, w)
		}
	}
}
