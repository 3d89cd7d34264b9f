package crypt

import "fmt"

type ErrorKind int

const (
	BackendUnavailable ErrorKind = iota
	WeakPassphraseRejected
	HeaderWriteFailed
	MapFailed
)

func (k ErrorKind) String() string {
	switch k {
	case BackendUnavailable:
		return "backend-unavailable"
	case WeakPassphraseRejected:
		return "weak-passphrase-rejected"
	case HeaderWriteFailed:
		return "header-write-failed"
	case MapFailed:
		return "map-failed"
	}
	return "unknown"
}

// CryptoError is a container-level failure scoped to one region. Other
// independently requested regions are unaffected.
type CryptoError struct {
	Kind    ErrorKind
	Backend Backend
	Device  string
	Output  string
	Err     error
}

func (e *CryptoError) Error() string {
	msg := fmt.Sprintf("crypt: %s: %s on %s", e.Backend, e.Kind, e.Device)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CryptoError) Unwrap() error { return e.Err }
