// Package registry keeps the set of named per-node workers, spawns
// their goroutines and routes inbound CAN frames to their answer
// queues. Names and non-zero ids are unique; the worker registered
// with id 0 is the tap and receives a copy of every inbound frame.
package registry

import (
	"errors"
	"sync"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/logging"
	"github.com/eddyem/canserver/internal/metrics"
	"github.com/eddyem/canserver/internal/queue"
)

// NameMaxLen bounds worker names.
const NameMaxLen = 31

var (
	ErrBadName       = errors.New("bad worker name")
	ErrDuplicateName = errors.New("worker name exists")
	ErrDuplicateID   = errors.New("worker id exists")
	ErrUnknownRole   = errors.New("unknown role")
	ErrNotFound      = errors.New("worker not found")
)

// RoleFunc is a worker behaviour: a loop that drains w.Commands,
// consumes w.Answers and returns promptly once w.Stopping reports
// true.
type RoleFunc func(w *Worker)

// Worker is one registered per-node loop with its two queues.
type Worker struct {
	Name     string
	ID       int
	Role     string
	Commands *queue.Queue[string]
	Answers  *queue.Queue[can.Frame]

	stop chan struct{}
	done chan struct{}
}

// Stopping reports whether Unregister asked the worker to exit. Role
// loops check it at the top of every iteration.
func (w *Worker) Stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Registry maps workers by name and by numeric id.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Worker
	byID   map[int]*Worker
	order  []*Worker
	roles  map[string]RoleFunc
}

// New creates a registry with the given role table.
func New(roles map[string]RoleFunc) *Registry {
	return &Registry{
		byName: make(map[string]*Worker),
		byID:   make(map[int]*Worker),
		roles:  roles,
	}
}

// Register creates a worker and starts its role goroutine. The maps
// are published atomically with respect to other registry operations.
func (r *Registry) Register(name string, id int, role string) (*Worker, error) {
	if len(name) < 1 || len(name) > NameMaxLen {
		return nil, ErrBadName
	}
	fn, ok := r.roles[role]
	if !ok {
		return nil, ErrUnknownRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, ErrDuplicateName
	}
	if _, exists := r.byID[id]; exists {
		// id 0 is special but still single: only one tap.
		return nil, ErrDuplicateID
	}
	w := &Worker{
		Name:     name,
		ID:       id,
		Role:     role,
		Commands: queue.New[string](),
		Answers:  queue.New[can.Frame](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.byName[name] = w
	r.byID[id] = w
	r.order = append(r.order, w)
	go func() {
		defer close(w.done)
		fn(w)
	}()
	metrics.SetWorkers(len(r.byName))
	logging.L().Info("worker_registered", "name", name, "id", id, "role", role)
	return w, nil
}

// Unregister asks the worker to stop, waits for its loop to exit and
// drains both queues.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	w, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.byName, name)
	delete(r.byID, w.ID)
	for i, o := range r.order {
		if o == w {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	n := len(r.byName)
	r.mu.Unlock()
	close(w.stop)
	<-w.done
	w.Commands.Drain()
	w.Answers.Drain()
	metrics.SetWorkers(n)
	logging.L().Info("worker_unregistered", "name", name)
	return nil
}

// FindByName looks a worker up by name.
func (r *Registry) FindByName(name string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// FindByID looks a worker up by numeric id.
func (r *Registry) FindByID(id int) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Iter returns the workers in registration order.
func (r *Registry) Iter() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch fans one inbound frame out: a copy to the id-0 tap when
// present, a copy to the worker owning the frame id. A frame matching
// no worker is dropped after tapping.
func (r *Registry) Dispatch(f can.Frame) {
	r.mu.Lock()
	tap := r.byID[0]
	dst := r.byID[int(f.ID)]
	r.mu.Unlock()
	if tap != nil {
		tap.Answers.Push(f)
	}
	if dst != nil && dst != tap {
		dst.Answers.Push(f)
	}
}

// Shutdown unregisters every worker.
func (r *Registry) Shutdown() {
	for _, w := range r.Iter() {
		_ = r.Unregister(w.Name)
	}
}
