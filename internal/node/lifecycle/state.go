package lifecycle

import (
	"errors"
	"fmt"
)

// State is the publication state of one volume.
type State int

// Volume states. StateUnpublished is both initial and terminal.
const (
	StateUnpublished State = iota
	StatePublishing
	StatePublished
	StateUnpublishing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnpublished:
		return "Unpublished"
	case StatePublishing:
		return "Publishing"
	case StatePublished:
		return "Published"
	case StateUnpublishing:
		return "Unpublishing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Events applied to a volume.
const (
	EventPublish   = "publish"
	EventUnpublish = "unpublish"
)

// ErrIllegalTransition is matched by every *TransitionError.
var ErrIllegalTransition = errors.New("illegal volume state transition")

// TransitionError reports an event that is not allowed in the current
// state of a volume.
type TransitionError struct {
	VolumeID string
	From     State
	Event    string
	Reason   string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s volume %s in state %s", e.Event, e.VolumeID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether target is ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ErrInvalidAttribute is matched by every *AttributeError.
var ErrInvalidAttribute = errors.New("invalid volume attribute")

// AttributeError reports a malformed volume attribute.
type AttributeError struct {
	Attribute string
	Value     string
	Reason    string
}

// Error implements the error interface.
func (e *AttributeError) Error() string {
	return fmt.Sprintf("invalid volume attribute %s=%q: %s", e.Attribute, e.Value, e.Reason)
}

// Is reports whether target is ErrInvalidAttribute.
func (e *AttributeError) Is(target error) bool {
	return target == ErrInvalidAttribute
}

// Stage names a step of publish or unpublish.
type Stage string

// Publish and unpublish stages.
const (
	StagePod        Stage = "pod"
	StageTemplate   Stage = "template"
	StageAttributes Stage = "attributes"
	StageIssue      Stage = "issue"
	StageWrite      Stage = "write"
	StageBind       Stage = "bind"
	StageRemove     Stage = "remove"
	StageRevoke     Stage = "revoke"
)

// StageError wraps the error of the stage that failed.
type StageError struct {
	VolumeID string
	Stage    Stage
	Err      error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("volume %s: %s failed: %v", e.VolumeID, e.Stage, e.Err)
}

// Unwrap returns the stage error.
func (e *StageError) Unwrap() error {
	return e.Err
}
