package watch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fanotifyGroup wraps a fanotify descriptor opened in content class, the
// mode that issues blocking permission events.
type fanotifyGroup struct {
	fd int
}

// newFanotifyGroup opens a nonblocking content-class group. Events are
// drained after poll(2) signals readiness.
func newFanotifyGroup() (*fanotifyGroup, error) {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC,
	)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}
	return &fanotifyGroup{fd: fd}, nil
}

// MarkExecPerm subscribes to execution-permission events for path. Every
// execve of the marked binary blocks until Respond is called.
func (g *fanotifyGroup) MarkExecPerm(path string) error {
	if err := unix.FanotifyMark(g.fd, unix.FAN_MARK_ADD, unix.FAN_OPEN_EXEC_PERM, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify_mark %s: %w", path, err)
	}
	return nil
}

// MarkAccess subscribes to non-blocking access notifications for path.
func (g *fanotifyGroup) MarkAccess(path string) error {
	if err := unix.FanotifyMark(g.fd, unix.FAN_MARK_ADD, unix.FAN_ACCESS, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify_mark %s: %w", path, err)
	}
	return nil
}

// Wait polls the descriptor for readiness. timeoutMs < 0 blocks
// indefinitely. Returns false on timeout.
func (g *fanotifyGroup) Wait(timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(g.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0, nil
	}
}

const metadataSize = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// Drain reads all ready events. Each returned event's Fd must be released
// through Respond, also for events the caller does not act on.
func (g *fanotifyGroup) Drain() ([]Event, error) {
	var buf [4096]byte
	var events []Event
	for {
		n, err := unix.Read(g.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("read fanotify: %w", err)
		}
		off := 0
		for off+metadataSize <= n {
			meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
			if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
				return events, fmt.Errorf("fanotify metadata version %d, kernel speaks %d", meta.Vers, unix.FANOTIFY_METADATA_VERSION)
			}
			if meta.Event_len < uint32(metadataSize) || off+int(meta.Event_len) > n {
				return events, fmt.Errorf("truncated fanotify event")
			}
			events = append(events, Event{
				Fd:   meta.Fd,
				Pid:  meta.Pid,
				Mask: meta.Mask,
			})
			off += int(meta.Event_len)
		}
		if n < len(buf) {
			return events, nil
		}
	}
}

// Respond answers a permission event and releases its file descriptor.
// Called exactly once per drained event.
func (g *fanotifyGroup) Respond(ev Event, allow bool) error {
	defer unix.Close(int(ev.Fd))

	if ev.Mask&unix.FAN_OPEN_EXEC_PERM == 0 && ev.Mask&unix.FAN_OPEN_PERM == 0 && ev.Mask&unix.FAN_ACCESS_PERM == 0 {
		// Notification-only event, nothing to answer.
		return nil
	}

	resp := unix.FanotifyResponse{Fd: ev.Fd, Response: unix.FAN_ALLOW}
	if !allow {
		resp.Response = unix.FAN_DENY
	}
	buf := (*[unsafe.Sizeof(resp)]byte)(unsafe.Pointer(&resp))
	if _, err := unix.Write(g.fd, buf[:]); err != nil {
		return fmt.Errorf("fanotify response fd %d: %w", ev.Fd, err)
	}
	return nil
}

func (g *fanotifyGroup) Close() error {
	return unix.Close(g.fd)
}
