// Package faults defines the error taxonomy shared by the audio pipeline,
// the turn dispatcher and the relay handlers. Every failure that crosses a
// component boundary is wrapped in a Fault so callers can branch on Kind
// without string matching.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	PermissionDenied
	InvalidCredential
	Timeout
	Remote
	Decode
	Playback
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case InvalidCredential:
		return "invalid_credential"
	case Timeout:
		return "timeout"
	case Remote:
		return "remote_error"
	case Decode:
		return "decode_error"
	case Playback:
		return "playback_error"
	default:
		return "unknown_error"
	}
}

// Fault is an error carrying a Kind and a user-presentable message.
type Fault struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with a message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap creates a Fault wrapping an underlying error.
func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or Unknown if err carries no Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

// ClassifyRemote maps a remote error message onto a Kind. Gemini reports a
// bad key as "API_KEY_INVALID" inside a longer message; older endpoints say
// "API key not valid". Anything else is a generic remote failure.
func ClassifyRemote(message string) Kind {
	if strings.Contains(message, "API_KEY_INVALID") || strings.Contains(message, "API key") {
		return InvalidCredential
	}
	return Remote
}

// FromRemote builds a Fault from a remote error message, classifying it.
func FromRemote(message string) *Fault {
	return New(ClassifyRemote(message), message)
}
