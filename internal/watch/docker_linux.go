package watch

import (
	"context"
	"fmt"
	"os"
)

// DockerWatcher observes access to the Docker engine socket. It is
// notification-only: engine activity is logged for correlation with
// runtime-level events, nothing is blocked.
type DockerWatcher struct {
	src   eventSource
	debug bool
}

// NewDockerWatcher marks the engine socket for access notifications.
// A missing socket is not an error; the watcher just stays idle.
func NewDockerWatcher(socket string, debug bool) (*DockerWatcher, error) {
	src, err := newFanotifyGroup()
	if err != nil {
		return nil, err
	}
	if _, serr := os.Stat(socket); serr == nil {
		if merr := src.MarkAccess(socket); merr != nil {
			_ = src.Close()
			return nil, merr
		}
	}
	return &DockerWatcher{src: src, debug: debug}, nil
}

// Run drains and logs socket events until ctx is cancelled.
func (d *DockerWatcher) Run(ctx context.Context) error {
	defer func() { _ = d.src.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := d.src.Wait(pollTimeoutMs)
		if err != nil {
			return fmt.Errorf("wait for docker events: %w", err)
		}
		if !ready {
			continue
		}
		events, err := d.src.Drain()
		if err != nil {
			fmt.Fprintf(os.Stderr, "lockcd: docker: drain: %v\n", err)
		}
		for _, ev := range events {
			if d.debug {
				fmt.Fprintf(os.Stderr, "lockcd: docker: socket access from pid %d\n", ev.Pid)
			}
			if rerr := d.src.Respond(ev, true); rerr != nil {
				fmt.Fprintf(os.Stderr, "lockcd: docker: %v\n", rerr)
			}
		}
	}
}
