// Package state models the kernel-shared policy tables that the in-kernel
// enforcement programs consult: a container table keyed by a fixed-width
// hash of the runtime-assigned container id, and a process table keyed by
// pid. The tables are exclusively owned by the executor; every other
// goroutine reaches them through commands.
package state

import (
	"fmt"

	"github.com/ppiankov/lockc/internal/policy"
)

// PidMaxLimit mirrors the kernel's PID_MAX_LIMIT and bounds both tables.
const PidMaxLimit = 4194304

// SelfKey is the reserved container key under which the daemon itself is
// registered at startup.
const SelfKey uint32 = 0

// ErrNotRegistered is returned when an operation names a container id with
// no container record. Callers treat it as a no-op.
var ErrNotRegistered = fmt.Errorf("container not registered")

// ErrTableFull is returned when a table reached PidMaxLimit entries.
var ErrTableFull = fmt.Errorf("table full")

// Container is the value type of the container table.
type Container struct {
	PolicyLevel policy.Level
}

// Process is the value type of the process table. ContainerKey points back
// into the container table.
type Process struct {
	ContainerKey uint32
}

// Maps holds the two policy tables.
type Maps struct {
	containers map[uint32]Container
	processes  map[int]Process
}

// NewMaps returns empty tables. InitSelf must be called before the maps
// serve lookups for enforcement.
func NewMaps() *Maps {
	return &Maps{
		containers: make(map[uint32]Container),
		processes:  make(map[int]Process),
	}
}

// InitSelf registers the reserved container key at the Lockc level and
// attributes pid (the daemon's own) to it. Called exactly once by the
// executor before any command is served.
func (m *Maps) InitSelf(pid int) error {
	m.containers[SelfKey] = Container{PolicyLevel: policy.LevelLockc}
	m.processes[pid] = Process{ContainerKey: SelfKey}
	return nil
}

// AddContainer registers a container at the given policy level and
// attributes its initial process to it.
func (m *Maps) AddContainer(id string, pid int, level policy.Level) error {
	if len(m.containers) >= PidMaxLimit || len(m.processes) >= PidMaxLimit {
		return ErrTableFull
	}
	key := Sum32(id)
	m.containers[key] = Container{PolicyLevel: level}
	m.processes[pid] = Process{ContainerKey: key}
	return nil
}

// DeleteContainer removes a container record and sweeps every process
// record attributed to it. The sweep is a linear scan bounded by
// PidMaxLimit.
func (m *Maps) DeleteContainer(id string) error {
	key := Sum32(id)
	if _, ok := m.containers[key]; !ok {
		return ErrNotRegistered
	}
	delete(m.containers, key)
	for pid, p := range m.processes {
		if p.ContainerKey == key {
			delete(m.processes, pid)
		}
	}
	return nil
}

// AddProcess attributes a pid to an existing container. Only the process
// table changes; no container record is created for an unknown id.
func (m *Maps) AddProcess(id string, pid int) error {
	if len(m.processes) >= PidMaxLimit {
		return ErrTableFull
	}
	m.processes[pid] = Process{ContainerKey: Sum32(id)}
	return nil
}

// LookupLevel resolves pid → container → policy level, the same chain the
// enforcement programs walk on every guarded kernel operation. Returns
// LevelNotFound when either table misses.
func (m *Maps) LookupLevel(pid int) policy.Level {
	p, ok := m.processes[pid]
	if !ok {
		return policy.LevelNotFound
	}
	c, ok := m.containers[p.ContainerKey]
	if !ok {
		return policy.LevelNotFound
	}
	return c.PolicyLevel
}

// ContainerLevel returns the policy level registered for a container id,
// or LevelNotFound.
func (m *Maps) ContainerLevel(id string) policy.Level {
	c, ok := m.containers[Sum32(id)]
	if !ok {
		return policy.LevelNotFound
	}
	return c.PolicyLevel
}
