package blockdev

import "fmt"

type ErrorKind int

const (
	NotBlockDevice ErrorKind = iota
	Mounted
	TooSmall
	IsSystemDisk
)

func (k ErrorKind) String() string {
	switch k {
	case NotBlockDevice:
		return "not-block-device"
	case Mounted:
		return "mounted"
	case TooSmall:
		return "too-small"
	case IsSystemDisk:
		return "system-disk"
	}
	return "unknown"
}

// DeviceError is a pre-condition violation found before any destructive
// work. It never implies side effects.
type DeviceError struct {
	Kind   ErrorKind
	Path   string
	Detail string
	Err    error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("device %s: %s", e.Path, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() error { return e.Err }
