package plan

import "fmt"

type ErrorKind int

const (
	InsufficientSpace ErrorKind = iota
	ConflictingFeatures
)

func (k ErrorKind) String() string {
	switch k {
	case InsufficientSpace:
		return "insufficient-space"
	case ConflictingFeatures:
		return "conflicting-features"
	}
	return "unknown"
}

// PlanError means the requested layout is infeasible. Planning has no
// side effects, so the device is untouched when one is returned.
type PlanError struct {
	Kind   ErrorKind
	Detail string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan: %s: %s", e.Kind, e.Detail)
}
