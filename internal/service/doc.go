// Package service implements supervision of a redis-server process and the
// pipeline observing its output.
//
// Overview
// The Supervisor owns an actor (a single goroutine processing commands in
// order) and at most one child process. Start, Stop, Restart, Prepare and
// SetListener are submitted to the actor and return immediately, so two
// lifecycle transitions never run at the same time.
//
// On Start the Supervisor spawns redis-server with stderr merged into stdout
// and wires two more goroutines through an unbounded logqueue.Queue:
//
//	Supervisor (actor)      Reader                 Consumer
//	     |                    |                       |
//	start() -> spawn -------->| ReadString('\n')      |
//	     |                    | queue.Put(line) ----->| queue.Take()
//	     |                    | EOF: sleep EOFDelay   | sink.Line(line)
//	     |                    | !alive: close         | marker? newClient()
//	     |                    |                       |   listener.OnClientAvailable
//	stop() -> SIGTERM, Reader.Close, Consumer.Close, wait for both
//
// Invariants:
//   - At most one live child process per Supervisor.
//   - Lines reach the sink in the order the child wrote them.
//   - The listener is called at most once per started process.
//   - Stop returns only after the child was reaped and both pipeline
//     goroutines have exited; the queue is empty afterwards.
//   - There is no startup deadline: a child that never prints the readiness
//     marker never produces a client.
//   - A read error stops the pipeline but not the child. The error is logged
//     and counted, observation is not resumed.
package service
