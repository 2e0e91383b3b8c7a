// Package agent owns the connection to a single external agent process.
//
// Process handles the subprocess lifecycle: spawning, stderr capture, and
// a single cmd.Wait() coordinated through a waitDone channel. A dead agent
// stays dead; callers decide whether to spawn a replacement.
//
// Client speaks newline-delimited JSON-RPC 2.0 over the process pipes.
// Requests flowing client→agent and agent→client have independent id
// scopes; the same numeric id may be in flight in both directions at once.
// The read loop never blocks on handlers or subscribers: agent-originated
// requests run in their own goroutines and session updates are queued per
// subscriber.
package agent
