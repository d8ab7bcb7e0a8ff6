package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure classes a backend can surface.
type ErrorKind int

const (
	// KindNoBackend: no implementation could be selected for the model/hardware.
	KindNoBackend ErrorKind = iota + 1
	// KindStart: construction or initialization failed.
	KindStart
	// KindInference: a specific Embed/Predict call failed at runtime.
	KindInference
	// KindUnhealthy: the backend cannot currently serve any request.
	KindUnhealthy
)

var kindNames = map[ErrorKind]string{
	KindNoBackend: "no_backend",
	KindStart:     "start",
	KindInference: "inference",
	KindUnhealthy: "unhealthy",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, error) {
	for kind, name := range kindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown backend error kind %q", s)
}

// BackendError is the closed error taxonomy of the backend contract. Only
// Start and Inference carry a reason.
//
// NoBackend and Start are raised by the selection/construction collaborators
// before any Backend value exists. A live Backend only returns Inference and
// Unhealthy.
type BackendError struct {
	Kind   ErrorKind
	Reason string
}

// Sentinels for errors.Is. Matching is by kind; the reason is ignored.
var (
	ErrNoBackend = &BackendError{Kind: KindNoBackend}
	ErrStart     = &BackendError{Kind: KindStart}
	ErrInference = &BackendError{Kind: KindInference}
	ErrUnhealthy = &BackendError{Kind: KindUnhealthy}
)

// NoBackend reports that no backend could be selected.
func NoBackend() error {
	return &BackendError{Kind: KindNoBackend}
}

// Start reports a failed backend construction.
func Start(reason string) error {
	return &BackendError{Kind: KindStart, Reason: reason}
}

// Startf is Start with a format string.
func Startf(format string, args ...any) error {
	return Start(fmt.Sprintf(format, args...))
}

// Inference reports a failed Embed or Predict call.
func Inference(reason string) error {
	return &BackendError{Kind: KindInference, Reason: reason}
}

// Inferencef is Inference with a format string.
func Inferencef(format string, args ...any) error {
	return Inference(fmt.Sprintf(format, args...))
}

// Unhealthy reports that the backend cannot currently serve requests.
func Unhealthy() error {
	return &BackendError{Kind: KindUnhealthy}
}

func (e *BackendError) Error() string {
	switch e.Kind {
	case KindNoBackend:
		return "no backend found"
	case KindStart:
		return "could not start backend: " + e.Reason
	case KindInference:
		return e.Reason
	case KindUnhealthy:
		return "backend is unhealthy"
	default:
		return fmt.Sprintf("backend error (%s): %s", e.Kind, e.Reason)
	}
}

// Is matches any *BackendError of the same kind.
func (e *BackendError) Is(target error) bool {
	t, ok := target.(*BackendError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Clone returns an independent copy of the error.
func (e *BackendError) Clone() *BackendError {
	c := *e
	return &c
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// MarshalJSON encodes the kind, the rendered message and the raw reason.
func (e *BackendError) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{
		Kind:    e.Kind.String(),
		Message: e.Error(),
		Reason:  e.Reason,
	})
}

// UnmarshalJSON restores an error encoded by MarshalJSON.
func (e *BackendError) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseErrorKind(w.Kind)
	if err != nil {
		return err
	}
	e.Kind = kind
	e.Reason = w.Reason
	if e.Reason == "" && kind == KindInference {
		e.Reason = w.Message
	}
	return nil
}

// KindOf extracts the kind of the first *BackendError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}
