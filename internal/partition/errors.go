package partition

import "fmt"

type ErrorKind int

const (
	WipeFailed ErrorKind = iota
	TableWriteFailed
	FormatFailed
)

func (k ErrorKind) String() string {
	switch k {
	case WipeFailed:
		return "wipe-failed"
	case TableWriteFailed:
		return "table-write-failed"
	case FormatFailed:
		return "format-failed"
	}
	return "unknown"
}

// ExecError is a partition/format-level failure. The table may exist
// but be incomplete; content recovery is always a fresh re-wipe.
type ExecError struct {
	Kind   ErrorKind
	Step   string
	Output string // raw tool diagnostics, preserved verbatim
	Err    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("partition: %s: step %s", e.Kind, e.Step)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }
