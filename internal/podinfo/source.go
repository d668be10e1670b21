package podinfo

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// ErrPodNotFound is returned when the requested pod does not exist.
var ErrPodNotFound = errors.New("pod not found")

// Source supplies live pod snapshots.
type Source interface {
	Get(ctx context.Context, namespace, name string) (*Snapshot, error)
}

// KubernetesSource reads pods through a controller-runtime reader.
type KubernetesSource struct {
	reader client.Reader
	logger observability.Logger
}

// KubernetesSourceOption configures a KubernetesSource.
type KubernetesSourceOption func(*KubernetesSource)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) KubernetesSourceOption {
	return func(s *KubernetesSource) {
		s.logger = logger
	}
}

// NewKubernetesSource creates a pod source backed by reader. A direct
// (uncached) client is expected so every call observes the current pod.
func NewKubernetesSource(reader client.Reader, opts ...KubernetesSourceOption) (*KubernetesSource, error) {
	if reader == nil {
		return nil, errors.New("kubernetes reader is required")
	}

	s := &KubernetesSource{
		reader: reader,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get fetches the pod namespace/name and returns its snapshot.
func (s *KubernetesSource) Get(ctx context.Context, namespace, name string) (*Snapshot, error) {
	if namespace == "" || name == "" {
		return nil, fmt.Errorf("pod namespace and name are required (got %q/%q)", namespace, name)
	}

	pod := &corev1.Pod{}
	if err := s.reader.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, pod); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPodNotFound, namespace, name)
		}
		return nil, fmt.Errorf("failed to get pod %s/%s: %w", namespace, name, err)
	}

	s.logger.Debug("read pod metadata",
		observability.String("namespace", namespace),
		observability.String("name", name),
		observability.String("uid", string(pod.UID)),
	)

	return FromPod(pod), nil
}
