package resolver

import "errors"

var (
	// ErrCapabilityConflict indicates two services advertise the same capability.
	ErrCapabilityConflict = errors.New("capability already provided")
)
