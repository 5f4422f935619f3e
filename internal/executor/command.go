package executor

import (
	"sync"

	"github.com/ppiankov/lockc/internal/policy"
)

// Op identifies a map-state mutation.
type Op int

const (
	OpAddContainer Op = iota
	OpDeleteContainer
	OpAddProcess
)

func (o Op) String() string {
	switch o {
	case OpAddContainer:
		return "add_container"
	case OpDeleteContainer:
		return "delete_container"
	case OpAddProcess:
		return "add_process"
	default:
		return "unknown"
	}
}

// Command carries one mutation and the reply slot for its outcome.
type Command struct {
	Op          Op
	ContainerID string
	Pid         int
	Level       policy.Level

	reply *reply
}

// reply is a single-use outcome slot. Only the first deliver is observed;
// wait blocks until it happens. The exactly-one-reply contract is enforced
// by construction rather than by caller discipline.
type reply struct {
	ch   chan error
	once sync.Once
}

func newReply() *reply {
	return &reply{ch: make(chan error, 1)}
}

func (r *reply) deliver(err error) {
	r.once.Do(func() { r.ch <- err })
}

func (r *reply) wait(stopped <-chan struct{}) error {
	select {
	case err := <-r.ch:
		return err
	case <-stopped:
		// One last poll: the executor may have delivered right before
		// stopping.
		select {
		case err := <-r.ch:
			return err
		default:
			return ErrStopped
		}
	}
}
