package worker

import (
	"time"

	"github.com/eddyem/canserver/internal/registry"
)

// emulationLoop is a bench stub: it acknowledges commands over the
// broadcast bus and posts a periodic liveness line so clients can see
// the fanout path working without hardware on the bus.
func emulationLoop(env *Env, w *registry.Worker) {
	const heartbeatEvery = 10 * time.Second
	last := time.Now()
	for !w.Stopping() {
		if cmd, ok := w.Commands.Pop(); ok {
			env.Broadcast.Push(w.Name + " emulation got '" + cmd + "'")
		}
		if ans, ok := w.Answers.Pop(); ok {
			env.Broadcast.Push(formatRaw(&ans))
		}
		if time.Since(last) >= heartbeatEvery {
			env.Broadcast.Push(w.Name + " emulation works fine")
			last = time.Now()
		}
		time.Sleep(tick)
	}
}
