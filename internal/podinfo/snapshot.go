// Package podinfo reads the pod metadata that certificate subjects are derived from.
package podinfo

import (
	corev1 "k8s.io/api/core/v1"
)

// Snapshot is a read-only view of one pod, captured for a single template
// resolution. Optional spec fields are empty when the pod does not set them.
type Snapshot struct {
	Name        string
	Namespace   string
	UID         string
	Labels      map[string]string
	Annotations map[string]string

	ServiceAccountName string
	NodeName           string
	Hostname           string
	Subdomain          string
	PriorityClassName  string
}

// FromPod copies the fields of pod into a Snapshot. Label and annotation maps
// are copied so later mutation of the pod object does not leak through.
func FromPod(pod *corev1.Pod) *Snapshot {
	if pod == nil {
		return nil
	}

	return &Snapshot{
		Name:               pod.Name,
		Namespace:          pod.Namespace,
		UID:                string(pod.UID),
		Labels:             copyMap(pod.Labels),
		Annotations:        copyMap(pod.Annotations),
		ServiceAccountName: pod.Spec.ServiceAccountName,
		NodeName:           pod.Spec.NodeName,
		Hostname:           pod.Spec.Hostname,
		Subdomain:          pod.Spec.Subdomain,
		PriorityClassName:  pod.Spec.PriorityClassName,
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
