// Package watch intercepts executions of low-level container runtime
// binaries with fanotify permission events, reconstructs the lifecycle
// action from the triggering process's argv, resolves a policy for new
// containers, and commits the decision through the executor before the
// intercepted process is released.
package watch

import "strings"

// Action classifies a runtime invocation.
type Action int

const (
	// ActionOther covers invocations we only attribute to an existing
	// container (exec, kill, state, ...).
	ActionOther Action = iota
	// ActionCreate registers a new container.
	ActionCreate
	// ActionDelete removes a registered container.
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionDelete:
		return "delete"
	default:
		return "other"
	}
}

// Invocation is the parsed form of a runtime argv.
type Invocation struct {
	Action      Action
	ContainerID string
	BundlePath  string
}

// Option-consumption state: what to do with the next bare token on behalf
// of the preceding option flag.
type optState int

const (
	optNoPositional optState = iota
	optSkipValue
	optCaptureBundle
	optCaptureID // shim parser only
)

// Positional-capture state: whether the next bare token is a container id.
type argState int

const (
	argNone argState = iota
	argCaptureID
)

// runc subcommands that take a container id as their next bare token.
// Only create and delete change the action; the rest still capture the id
// so the invocation can be attributed to its container.
var runcSubcommands = map[string]Action{
	"checkpoint": ActionOther,
	"create":     ActionCreate,
	"delete":     ActionDelete,
	"events":     ActionOther,
	"exec":       ActionOther,
	"kill":       ActionOther,
	"pause":      ActionOther,
	"ps":         ActionOther,
	"restore":    ActionOther,
	"resume":     ActionOther,
	"run":        ActionOther,
	"start":      ActionOther,
	"state":      ActionOther,
	"update":     ActionOther,
}

// ParseRuncArgs reconstructs the lifecycle action from a runc argv. The
// argv is adversarial-shaped: flags may appear in any order and unknown
// tokens must be tolerated. The first unconsumed bare token after a
// subcommand keyword is taken as the container id; the --bundle value is
// captured, other value-taking flags have their values discarded.
// Unrecognized input yields ActionOther.
func ParseRuncArgs(args []string) Invocation {
	inv := Invocation{Action: ActionOther}
	opt := optNoPositional
	arg := argNone

	for _, a := range args {
		switch a {
		// Options followed by a value we do not want to store.
		case "--log", "--log-format", "--pid-file", "--process", "--console-socket", "--root":
			opt = optSkipValue
		// The value of --bundle locates the container's config.
		case "--bundle":
			opt = optCaptureBundle
		}
		if strings.HasPrefix(a, "-") {
			continue
		}

		switch opt {
		case optSkipValue:
			opt = optNoPositional
			continue
		case optCaptureBundle:
			inv.BundlePath = a
			opt = optNoPositional
			continue
		}

		if arg == argCaptureID {
			inv.ContainerID = a
			arg = argNone
			continue
		}

		if action, ok := runcSubcommands[a]; ok {
			arg = argCaptureID
			if action != ActionOther {
				inv.Action = action
			}
		}
	}
	return inv
}

// ParseShimArgs handles a containerd-shim argv. The shim exposes container
// teardown that the runc invocation alone does not: a bare "delete" token
// is its only action of interest, and the container id arrives through the
// single-dash -id option rather than positionally.
func ParseShimArgs(args []string) Invocation {
	inv := Invocation{Action: ActionOther}
	opt := optNoPositional

	for _, a := range args {
		switch a {
		case "-address", "-bundle", "-namespace", "-publish-binary":
			opt = optSkipValue
		case "-id":
			opt = optCaptureID
		}
		if strings.HasPrefix(a, "-") {
			continue
		}

		switch opt {
		case optSkipValue:
			opt = optNoPositional
			continue
		case optCaptureID:
			inv.ContainerID = a
			opt = optNoPositional
			continue
		}

		if a == "delete" {
			inv.Action = ActionDelete
		}
	}
	return inv
}
