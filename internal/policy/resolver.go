package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/lockc/internal/metrics"
)

const (
	// containerd does not expose the Kubernetes namespace directly; it has
	// to be parsed out of the sandbox log directory path.
	annotationLogDirectory = "io.kubernetes.cri.sandbox-log-directory"
	annotationSandboxID    = "io.kubernetes.cri.sandbox-id"
)

// maxSandboxDepth bounds recursive resolution through sandbox-id
// annotations. Honest layouts nest exactly once (member container →
// sandbox bundle); anything deeper is malformed or adversarial and
// degrades to the unknown type.
const maxSandboxDepth = 4

// DefaultResolveTimeout bounds a single orchestration API call.
const DefaultResolveTimeout = 10 * time.Second

// containerType classifies a bundle by engine/orchestration layer.
type containerType int

const (
	typeUnknown containerType = iota
	typeDocker
	typeKubernetes
)

func (t containerType) String() string {
	switch t {
	case typeDocker:
		return "docker"
	case typeKubernetes:
		return "kubernetes"
	default:
		return "unknown"
	}
}

// mount is one entry of the bundle's runtime-spec mount list.
type mount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Options     []string `json:"options"`
}

// bundleConfig is the subset of the runtime-spec config the resolver
// needs.
type bundleConfig struct {
	Mounts      []mount           `json:"mounts"`
	Annotations map[string]string `json:"annotations"`
}

// Resolver computes the policy level for a container bundle.
type Resolver struct {
	lister  NamespaceLister
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewResolver creates a resolver. lister may be nil when no orchestration
// API is reachable; orchestrated containers then fail resolution (and
// stay unregistered) instead of silently defaulting.
func NewResolver(lister NamespaceLister, timeout time.Duration, m *metrics.Metrics) *Resolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{lister: lister, timeout: timeout, metrics: m}
}

// Resolve determines the policy level for the container described by the
// bundle directory. Malformed or missing bundle data degrades to the
// unknown type and Baseline; only orchestration API failures propagate,
// leaving that single container unregistered (fail closed by omission).
func (r *Resolver) Resolve(bundle string) (Level, error) {
	ctype, data := containerTypeData(bundle, maxSandboxDepth)
	switch ctype {
	case typeDocker:
		level := dockerLevel(data)
		r.metrics.PolicyResolved(ctype.String(), level.String())
		return level, nil
	case typeKubernetes:
		level, err := r.kubernetesLevel(data)
		if err != nil {
			return LevelNotFound, fmt.Errorf("namespace %q: %w", data, err)
		}
		r.metrics.PolicyResolved(ctype.String(), level.String())
		return level, nil
	default:
		r.metrics.PolicyResolved(ctype.String(), LevelBaseline.String())
		return LevelBaseline, nil
	}
}

// containerTypeData inspects a bundle's config and returns the container
// type plus its policy source: the Kubernetes namespace for orchestrated
// containers, the engine config path for Docker ones. Any read or parse
// failure yields the unknown type.
func containerTypeData(bundle string, depth int) (containerType, string) {
	if depth <= 0 {
		return typeUnknown, ""
	}

	raw, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return typeUnknown, ""
	}
	var cfg bundleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return typeUnknown, ""
	}

	if cfg.Annotations != nil {
		if logDir, ok := cfg.Annotations[annotationLogDirectory]; ok {
			// The first underscore-delimited segment of the log directory's
			// final component is the namespace.
			namespace, _, _ := strings.Cut(filepath.Base(logDir), "_")
			if namespace == "" || namespace == "." || namespace == string(filepath.Separator) {
				return typeUnknown, ""
			}
			return typeKubernetes, namespace
		}
		if sandboxID, ok := cfg.Annotations[annotationSandboxID]; ok {
			// A member of a previously created sandbox: the policy source
			// lives in the sandbox's own bundle, a sibling directory named
			// after the sandbox id.
			return containerTypeData(filepath.Join(filepath.Dir(bundle), sandboxID), depth-1)
		}
	}

	for _, m := range cfg.Mounts {
		if strings.Contains(m.Source, "/") && filepath.Base(m.Source) == "hostname" {
			// Docker bind-mounts the per-container hostname file from its
			// state directory; the engine-level config sits next to it.
			return typeDocker, strings.TrimSuffix(m.Source, "hostname") + "config.v2.json"
		}
	}

	return typeUnknown, ""
}
