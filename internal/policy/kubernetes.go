package policy

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LabelPolicyEnforce is the pod-security enforcement label read from
// namespace metadata.
const LabelPolicyEnforce = "pod-security.kubernetes.io/enforce"

// NamespaceLister fetches one namespace's labels by name.
type NamespaceLister interface {
	NamespaceLabels(ctx context.Context, name string) (map[string]string, error)
}

// kubernetesLevel resolves the policy for an orchestrated container from
// its namespace. The call is driven on a private, single-use context so a
// strictly synchronous caller (the watcher thread) can wait for it without
// sharing its own scheduling.
func (r *Resolver) kubernetesLevel(namespace string) (Level, error) {
	// kube-system runs privileged unconditionally; confining it would keep
	// the apiserver and scheduler themselves from running.
	if namespace == "kube-system" {
		return LevelPrivileged, nil
	}
	if r.lister == nil {
		return LevelNotFound, fmt.Errorf("no orchestration API client configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	labels, err := r.lister.NamespaceLabels(ctx, namespace)
	if err != nil {
		return LevelNotFound, err
	}
	return ParseLevel(labels[LabelPolicyEnforce]), nil
}

// KubeLister implements NamespaceLister against the Kubernetes API.
type KubeLister struct {
	client kubernetes.Interface
}

// NewKubeLister builds a client from the in-cluster service account, with
// kubeconfig fallback for a daemon running directly on a node.
func NewKubeLister() (*KubeLister, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("no in-cluster or kubeconfig credentials: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &KubeLister{client: client}, nil
}

// NamespaceLabels fetches the namespace object and returns its labels.
func (l *KubeLister) NamespaceLabels(ctx context.Context, name string) (map[string]string, error) {
	ns, err := l.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return ns.Labels, nil
}
