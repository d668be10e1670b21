// Package template derives certificate subject names from pod metadata.
//
// A template is literal text mixed with field references in braces:
//
//	{metadata.name}.{metadata.namespace}.svc.cluster.local
//	{spec.serviceAccountName}.{metadata.labels.app.kubernetes.io/name}
//
// Parse tokenizes a template once; Template.Resolve substitutes the
// references against a pod snapshot and may be called any number of times.
package template

import (
	"strings"

	"github.com/vyrodovalexey/cacsi/internal/podinfo"
)

// Sections recognized in field references.
const (
	SectionMetadata = "metadata"
	SectionSpec     = "spec"
)

// SegmentKind distinguishes literal text from field references.
type SegmentKind int

const (
	// LiteralSegment is copied to the output verbatim.
	LiteralSegment SegmentKind = iota
	// FieldSegment is replaced with a pod field value.
	FieldSegment
)

// Segment is one token of a parsed template.
type Segment struct {
	Kind SegmentKind

	// Text is the literal text for LiteralSegment, or the reference
	// without braces (e.g. "metadata.labels.app") for FieldSegment.
	Text string

	// Section and Path split a reference: "metadata" and "labels.app".
	Section string
	Path    string
}

// Template is a parsed subject template.
type Template struct {
	source   string
	segments []Segment
}

// String returns the source text the template was parsed from.
func (t *Template) String() string {
	return t.source
}

// Segments returns a copy of the parsed segments.
func (t *Template) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// References returns the field references in order of appearance.
func (t *Template) References() []string {
	var refs []string
	for _, seg := range t.segments {
		if seg.Kind == FieldSegment {
			refs = append(refs, seg.Text)
		}
	}
	return refs
}

// Resolve substitutes every field reference with the value from pod. The
// first reference that cannot be resolved aborts resolution; no partially
// substituted string is ever returned.
func (t *Template) Resolve(pod *podinfo.Snapshot) (string, error) {
	if pod == nil {
		return "", &FieldResolutionError{Template: t.source, Reason: "no pod snapshot"}
	}

	var b strings.Builder
	b.Grow(len(t.source))

	for _, seg := range t.segments {
		if seg.Kind == LiteralSegment {
			b.WriteString(seg.Text)
			continue
		}

		value, ok := lookup(seg.Section, seg.Path, pod)
		if !ok {
			return "", &FieldResolutionError{
				Template:  t.source,
				Reference: seg.Text,
				Reason:    "field is not set on pod " + pod.Namespace + "/" + pod.Name,
			}
		}
		b.WriteString(value)
	}

	return b.String(), nil
}

// lookup returns the value of section.path on pod. Optional spec fields that
// are empty count as absent; label and annotation keys are present when the
// key exists, even with an empty value.
func lookup(section, path string, pod *podinfo.Snapshot) (string, bool) {
	switch section {
	case SectionMetadata:
		return lookupMetadata(path, pod)
	case SectionSpec:
		return nonEmpty(lookupSpec(path, pod))
	default:
		return "", false
	}
}

func lookupMetadata(path string, pod *podinfo.Snapshot) (string, bool) {
	switch path {
	case "name":
		return nonEmpty(pod.Name)
	case "namespace":
		return nonEmpty(pod.Namespace)
	case "uid":
		return nonEmpty(pod.UID)
	}

	if key, ok := strings.CutPrefix(path, "labels."); ok {
		v, found := pod.Labels[key]
		return v, found
	}
	if key, ok := strings.CutPrefix(path, "annotations."); ok {
		v, found := pod.Annotations[key]
		return v, found
	}
	return "", false
}

func lookupSpec(path string, pod *podinfo.Snapshot) string {
	switch path {
	case "serviceAccountName":
		return pod.ServiceAccountName
	case "nodeName":
		return pod.NodeName
	case "hostname":
		return pod.Hostname
	case "subdomain":
		return pod.Subdomain
	case "priorityClassName":
		return pod.PriorityClassName
	default:
		return ""
	}
}

func nonEmpty(v string) (string, bool) {
	return v, v != ""
}
