// Package policy determines the confinement level for a new container from
// its on-disk bundle and, depending on the orchestration layer, the Docker
// engine config or the Kubernetes API.
package policy

import "fmt"

// Level is the confinement policy applied to a container. The numeric values
// mirror the kernel-side enum consumed by the enforcement programs and must
// not be reordered.
type Level int32

const (
	// LevelLockc marks the policy engine's own pseudo-container.
	// Enforcement never applies to it.
	LevelLockc Level = -2
	// LevelNotFound is the result of a lookup miss.
	LevelNotFound Level = -1

	// LevelRestricted is the most confined level.
	LevelRestricted Level = 0
	// LevelBaseline is the default level.
	LevelBaseline Level = 1
	// LevelPrivileged is the least confined level.
	LevelPrivileged Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelLockc:
		return "lockc"
	case LevelNotFound:
		return "notfound"
	case LevelRestricted:
		return "restricted"
	case LevelBaseline:
		return "baseline"
	case LevelPrivileged:
		return "privileged"
	default:
		return fmt.Sprintf("unknown(%d)", int32(l))
	}
}

// ParseLevel maps a policy label value to a Level. Unknown values and the
// empty string map to Baseline.
func ParseLevel(s string) Level {
	switch s {
	case "restricted":
		return LevelRestricted
	case "baseline":
		return LevelBaseline
	case "privileged":
		return LevelPrivileged
	default:
		return LevelBaseline
	}
}
