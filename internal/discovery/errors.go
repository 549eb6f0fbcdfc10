package discovery

import (
	"errors"
	"fmt"
)

// Sentinel errors for discovery operations.
//
//	if errors.Is(err, discovery.ErrAlreadyRunning) {
//	    // a previous Start is still live
//	}
var (
	// ErrAlreadyRunning is returned by Start while the announcer is starting or running.
	ErrAlreadyRunning = errors.New("discovery: announcer already running")

	// ErrResponderInUse is returned by Backend.Acquire while another responder is live.
	ErrResponderInUse = errors.New("discovery: responder already acquired")

	// ErrResponderClosed is returned when publishing through a closed responder.
	ErrResponderClosed = errors.New("discovery: responder closed")

	// ErrUnknownBackend indicates the configured backend name is not registered.
	ErrUnknownBackend = errors.New("discovery: unknown backend")

	// ErrPublishTimeout indicates a single publish call exceeded its bound.
	ErrPublishTimeout = errors.New("discovery: publish timed out")

	// ErrScanBusy is reported by Browse when every scan slot is taken.
	ErrScanBusy = errors.New("discovery: scan already in progress")

	// ErrNotPublished indicates an unpublish for a handle the responder does not hold.
	ErrNotPublished = errors.New("discovery: handle not published")
)

// StartupError reports why Start failed.
//
// Descriptor is nil when the responder itself could not be acquired, and
// otherwise points at the first descriptor whose publish failed. Records
// published before it stay live.
type StartupError struct {
	Descriptor *ServiceDescriptor
	Err        error
}

func (e *StartupError) Error() string {
	if e.Descriptor == nil {
		return fmt.Sprintf("discovery: acquiring responder: %v", e.Err)
	}
	return fmt.Sprintf("discovery: publishing %s (%s:%d): %v",
		e.Descriptor.Name, e.Descriptor.Type, e.Descriptor.Port, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ServiceName returns the failed descriptor's name, or "" for acquire failures.
func (e *StartupError) ServiceName() string {
	if e.Descriptor == nil {
		return ""
	}
	return e.Descriptor.Name
}

// ShutdownError records one failed unpublish or responder teardown during Stop.
// Service is empty when the responder close failed.
type ShutdownError struct {
	Service string
	Err     error
}

func (e ShutdownError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("discovery: closing responder: %v", e.Err)
	}
	return fmt.Sprintf("discovery: unpublishing %s: %v", e.Service, e.Err)
}

func (e ShutdownError) Unwrap() error { return e.Err }
