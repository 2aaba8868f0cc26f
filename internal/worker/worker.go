// Package worker implements the role behaviours a registered worker
// can run: raw frame access, generic CANopen SDO access, the stepper
// motor protocol and a bench emulation stub.
package worker

import (
	"time"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/queue"
	"github.com/eddyem/canserver/internal/registry"
)

// tick is the back-off sleep of every role loop iteration.
const tick = time.Millisecond

// Env carries the process-wide buses a role needs. It is threaded in
// explicitly at spawn time; roles hold no package state.
type Env struct {
	// Outbound receives frames for the CAN supervisor to transmit.
	Outbound *queue.Queue[can.Frame]
	// Broadcast receives lines fanned out to every TCP client.
	Broadcast *queue.Queue[string]
}

// Roles builds the role table for the registry, binding every
// behaviour to env.
func Roles(env *Env) map[string]registry.RoleFunc {
	return map[string]registry.RoleFunc{
		"raw":       func(w *registry.Worker) { rawLoop(env, w) },
		"canopen":   func(w *registry.Worker) { canopenLoop(env, w) },
		"stepper":   func(w *registry.Worker) { stepperLoop(env, w) },
		"emulation": func(w *registry.Worker) { emulationLoop(env, w) },
	}
}
