package iface

import "errors"

var (
	// ErrDetectorUnavailable: detector not configured, not registered or not loaded.
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrDetectionInvocation: the detector call failed, timed out or panicked.
	ErrDetectionInvocation = errors.New("detection invocation failed")
)
