// Package executor serializes all mutations of the kernel-shared policy
// tables. A single worker goroutine owns the maps and consumes commands
// strictly one at a time from a bounded channel, which gives linearizable
// updates without locks. Every command receives exactly one reply, success
// or error, so a dispatcher blocked on a reply is never stranded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/lockc/internal/metrics"
	"github.com/ppiankov/lockc/internal/policy"
	"github.com/ppiankov/lockc/internal/state"
)

// DefaultQueueSize bounds the command channel. A full channel blocks the
// dispatcher's send, delaying the next event's resolution but never
// reordering commands.
const DefaultQueueSize = 32

// ErrStopped is returned to dispatchers when the executor is no longer
// consuming commands. The watcher treats it as fatal for the one affected
// event and denies it.
var ErrStopped = errors.New("executor stopped")

// Executor owns the map state and answers commands.
type Executor struct {
	maps    *state.Maps
	cmds    chan Command
	ready   chan struct{}
	stopped chan struct{}
	metrics *metrics.Metrics
	debug   bool
}

// New creates an executor over the given maps. queueSize <= 0 falls back
// to DefaultQueueSize.
func New(maps *state.Maps, queueSize int, m *metrics.Metrics, debug bool) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		maps:    maps,
		cmds:    make(chan Command, queueSize),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m,
		debug:   debug,
	}
}

// Ready is closed once the one-time state initialization has been
// committed. The watcher must not poll before then: intercepting an
// execution before policy state exists would release processes the
// enforcement side cannot attribute.
func (e *Executor) Ready() <-chan struct{} {
	return e.ready
}

// Run initializes the map state, fires the readiness signal, then serves
// commands until ctx is cancelled. Blocks.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.stopped)

	if err := e.maps.InitSelf(os.Getpid()); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	close(e.ready)
	e.debugf("executor: state initialized, serving commands")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			e.serve(cmd)
		}
	}
}

// serve applies one command and always delivers its reply, even when the
// mutation panics.
func (e *Executor) serve(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			cmd.reply.deliver(fmt.Errorf("%s: %v", cmd.Op, r))
		}
	}()
	err := e.apply(cmd)
	e.metrics.CommandServed(cmd.Op.String(), err)
	cmd.reply.deliver(err)
}

func (e *Executor) apply(cmd Command) error {
	switch cmd.Op {
	case OpAddContainer:
		e.debugf("executor: add container %q pid %d level %s", cmd.ContainerID, cmd.Pid, cmd.Level)
		return e.maps.AddContainer(cmd.ContainerID, cmd.Pid, cmd.Level)
	case OpDeleteContainer:
		e.debugf("executor: delete container %q", cmd.ContainerID)
		err := e.maps.DeleteContainer(cmd.ContainerID)
		if errors.Is(err, state.ErrNotRegistered) {
			// Deleting an unknown container is a no-op, not a failure.
			fmt.Fprintf(os.Stderr, "lockcd: executor: delete of unregistered container %q\n", cmd.ContainerID)
			return nil
		}
		return err
	case OpAddProcess:
		e.debugf("executor: add process %d (container %q)", cmd.Pid, cmd.ContainerID)
		return e.maps.AddProcess(cmd.ContainerID, cmd.Pid)
	default:
		return fmt.Errorf("unknown op %d", cmd.Op)
	}
}

// dispatch sends a command and blocks until its reply. This block is the
// central ordering guarantee: the intercepted process is not released
// until the mutation is committed.
func (e *Executor) dispatch(cmd Command) error {
	cmd.reply = newReply()
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return ErrStopped
	}
	return cmd.reply.wait(e.stopped)
}

// AddContainer registers a container and its initial process at the given
// policy level. Blocks until the state change is committed.
func (e *Executor) AddContainer(id string, pid int, level policy.Level) error {
	return e.dispatch(Command{Op: OpAddContainer, ContainerID: id, Pid: pid, Level: level})
}

// DeleteContainer removes a container and all processes attributed to it.
func (e *Executor) DeleteContainer(id string) error {
	return e.dispatch(Command{Op: OpDeleteContainer, ContainerID: id})
}

// AddProcess attributes a pid to an existing container, so enforcement
// lookups succeed immediately instead of depending on fork/exec
// propagation in the kernel.
func (e *Executor) AddProcess(id string, pid int) error {
	return e.dispatch(Command{Op: OpAddProcess, ContainerID: id, Pid: pid})
}

func (e *Executor) debugf(format string, args ...any) {
	if e.debug {
		fmt.Fprintf(os.Stderr, "lockcd: "+format+"\n", args...)
	}
}
