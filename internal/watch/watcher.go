package watch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/lockc/internal/executor"
	"github.com/ppiankov/lockc/internal/metrics"
	"github.com/ppiankov/lockc/internal/policy"
	"github.com/ppiankov/lockc/internal/proc"
)

// pollTimeoutMs bounds each blocking poll so context cancellation is
// observed between waits.
const pollTimeoutMs = 1000

// errMissingContainerID marks an action-bearing invocation without an id.
var errMissingContainerID = errors.New("container id missing")

// Event is one intercepted filesystem event. For permission events the
// triggering process stays blocked until the event is answered.
type Event struct {
	Fd   int32
	Pid  int32
	Mask uint64
}

// eventSource abstracts the fanotify group so the loop and handler can be
// exercised without a kernel descriptor.
type eventSource interface {
	MarkExecPerm(path string) error
	Wait(timeoutMs int) (bool, error)
	Drain() ([]Event, error)
	Respond(ev Event, allow bool) error
	Close() error
}

// commandSink is the dispatcher side of the executor. Every call blocks
// until the corresponding map-state mutation is committed.
type commandSink interface {
	AddContainer(id string, pid int, level policy.Level) error
	DeleteContainer(id string) error
	AddProcess(id string, pid int) error
}

// levelResolver produces a policy level for a container bundle.
type levelResolver interface {
	Resolve(bundle string) (policy.Level, error)
}

// inspector reads metadata of the process that triggered an event.
type inspector interface {
	Comm(pid int) (string, error)
	Cmdline(pid int) ([]string, error)
	Cwd(pid int) (string, error)
}

// procInspector is the procfs-backed inspector.
type procInspector struct{}

func (procInspector) Comm(pid int) (string, error)      { return proc.Comm(pid) }
func (procInspector) Cmdline(pid int) ([]string, error) { return proc.Cmdline(pid) }
func (procInspector) Cwd(pid int) (string, error)       { return proc.Cwd(pid) }

// Config holds the watcher's process-name dispatch tables.
type Config struct {
	// RuncNames are comm names handled by the runc parser.
	RuncNames []string
	// ShimNames are comm names handled by the reduced shim parser.
	ShimNames []string
	Debug     bool
}

// Watcher drives the interception loop: wait for permission events,
// reconstruct the lifecycle action, resolve policy, commit it through the
// sink, then answer the event.
type Watcher struct {
	src       eventSource
	sink      commandSink
	resolver  levelResolver
	inspect   inspector
	ready     <-chan struct{}
	metrics   *metrics.Metrics
	runcNames map[string]bool
	shimNames map[string]bool
	debug     bool
}

func newWatcher(cfg Config, src eventSource, sink commandSink, resolver levelResolver, ready <-chan struct{}, m *metrics.Metrics) *Watcher {
	w := &Watcher{
		src:       src,
		sink:      sink,
		resolver:  resolver,
		inspect:   procInspector{},
		ready:     ready,
		metrics:   m,
		runcNames: make(map[string]bool, len(cfg.RuncNames)),
		shimNames: make(map[string]bool, len(cfg.ShimNames)),
		debug:     cfg.Debug,
	}
	for _, n := range cfg.RuncNames {
		w.runcNames[n] = true
	}
	for _, n := range cfg.ShimNames {
		w.shimNames[n] = true
	}
	return w
}

// MarkBinary adds an execution-permission mark for path if it is an
// executable regular file. Used by the binary watcher for runtime
// binaries that appear after startup.
func (w *Watcher) MarkBinary(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return nil
	}
	if err := w.src.MarkExecPerm(path); err != nil {
		return err
	}
	w.debugf("watch: marked %s", path)
	return nil
}

// Run blocks until ctx is cancelled. It first waits for the executor's
// one-time readiness signal: intercepting an execution before map state
// exists would release processes the enforcement side cannot attribute.
func (w *Watcher) Run(ctx context.Context) error {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { _ = w.src.Close() }()
	w.debugf("watch: starting event loop")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := w.src.Wait(pollTimeoutMs)
		if err != nil {
			return fmt.Errorf("wait for events: %w", err)
		}
		if !ready {
			continue
		}
		events, err := w.src.Drain()
		if err != nil {
			// Still answer whatever was drained before the failure.
			fmt.Fprintf(os.Stderr, "lockcd: watch: drain: %v\n", err)
		}
		for _, ev := range events {
			if err := w.handleEvent(ev); err != nil {
				// Per-event errors never terminate the loop: liveness of
				// interception for all other processes comes first.
				fmt.Fprintf(os.Stderr, "lockcd: watch: event pid %d: %v\n", ev.Pid, err)
			}
		}
	}
}

// handleEvent processes one event and guarantees exactly one terminal
// response on every exit path, including panic. A process left unanswered
// blocks forever.
func (w *Watcher) handleEvent(ev Event) (err error) {
	allow := true
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if errors.Is(err, executor.ErrStopped) {
			// No reply for a dispatched command: the policy decision may be
			// uncommitted. Conservatively deny this one event.
			allow = false
		}
		if rerr := w.src.Respond(ev, allow); rerr != nil && err == nil {
			err = rerr
		}
		w.metrics.EventAnswered(allow)
	}()

	comm, err := w.inspect.Comm(int(ev.Pid))
	if err != nil {
		return err
	}
	argv, err := w.inspect.Cmdline(int(ev.Pid))
	if err != nil {
		return err
	}
	w.debugf("watch: event pid %d comm %s argv %q", ev.Pid, comm, argv)

	// fanotify usually reports two executions per container operation: one
	// from the shim and one from runc itself. Dispatch by comm name; other
	// processes touching the marked binaries are allowed through untouched.
	switch {
	case w.runcNames[comm]:
		err = w.handleRunc(int(ev.Pid), ParseRuncArgs(argv))
	case w.shimNames[comm]:
		err = w.handleShim(ParseShimArgs(argv))
	}
	return err
}

func (w *Watcher) handleRunc(pid int, inv Invocation) error {
	switch inv.Action {
	case ActionCreate:
		if inv.ContainerID == "" {
			return errMissingContainerID
		}
		bundle := inv.BundlePath
		if bundle == "" {
			cwd, err := w.inspect.Cwd(pid)
			if err != nil {
				return fmt.Errorf("no --bundle and no cwd: %w", err)
			}
			bundle = cwd
		}
		level, err := w.resolver.Resolve(bundle)
		if err != nil {
			// Fail closed by omission: the container stays unregistered and
			// its processes remain unattributed. Visible here and in the
			// resolution metrics rather than silently downgraded.
			return fmt.Errorf("resolve policy for container %q: %w", inv.ContainerID, err)
		}
		w.debugf("watch: create container %q pid %d level %s", inv.ContainerID, pid, level)
		return w.sink.AddContainer(inv.ContainerID, pid, level)

	case ActionDelete:
		if inv.ContainerID == "" {
			return errMissingContainerID
		}
		w.debugf("watch: delete container %q", inv.ContainerID)
		return w.sink.DeleteContainer(inv.ContainerID)

	default:
		// Attribute the invocation to its container so enforcement lookups
		// for this pid succeed immediately.
		if inv.ContainerID != "" {
			return w.sink.AddProcess(inv.ContainerID, pid)
		}
		return nil
	}
}

func (w *Watcher) handleShim(inv Invocation) error {
	if inv.Action != ActionDelete {
		return nil
	}
	if inv.ContainerID == "" {
		return errMissingContainerID
	}
	w.debugf("watch: shim delete container %q", inv.ContainerID)
	return w.sink.DeleteContainer(inv.ContainerID)
}

func (w *Watcher) debugf(format string, args ...any) {
	if w.debug {
		fmt.Fprintf(os.Stderr, "lockcd: "+format+"\n", args...)
	}
}
