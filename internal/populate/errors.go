package populate

import "fmt"

type ErrorKind int

const (
	ImageWriteFailed ErrorKind = iota
	MountFailed
	CopyFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ImageWriteFailed:
		return "image-write-failed"
	case MountFailed:
		return "mount-failed"
	case CopyFailed:
		return "copy-failed"
	}
	return "unknown"
}

// PopulateError is a content-level failure. Side effects are limited to
// files already written; recovery is a fresh provisioning run.
type PopulateError struct {
	Kind   ErrorKind
	Target string
	Err    error
}

func (e *PopulateError) Error() string {
	return fmt.Sprintf("populate: %s: %s: %v", e.Kind, e.Target, e.Err)
}

func (e *PopulateError) Unwrap() error { return e.Err }
