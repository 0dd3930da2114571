package supervisor

import "errors"

var (
	// ErrChildNil is returned when AddChild receives a nil child.
	ErrChildNil = errors.New("supervisor: child is nil")
	// ErrNameEmpty is returned for a child whose name is blank.
	ErrNameEmpty = errors.New("supervisor: child name is empty")
	// ErrChildExists is returned when a child name is already registered.
	ErrChildExists = errors.New("supervisor: child name already registered")
	// ErrChildUnknown is returned for operations on unregistered names.
	ErrChildUnknown = errors.New("supervisor: unknown child")
	// ErrPolicyInvalid is returned for restart policies outside the known set.
	ErrPolicyInvalid = errors.New("supervisor: invalid restart policy")
	// ErrSpecIncomplete is returned for a ChildSpec missing start or stop.
	ErrSpecIncomplete = errors.New("supervisor: child spec requires start and stop funcs")
	// ErrStopped is returned once the supervisor has been stopped.
	ErrStopped = errors.New("supervisor: stopped")
)
