package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateServiceName is returned when a batch reuses an installed name
	// or declares the same name twice.
	ErrDuplicateServiceName = errors.New("duplicate service name")

	// ErrDuplicateCapability is returned when a batch advertises a capability
	// that another service already provides.
	ErrDuplicateCapability = errors.New("duplicate capability provider")

	// ErrCyclicRequiredDependency is returned when a batch would close a cycle
	// of required dependencies.
	ErrCyclicRequiredDependency = errors.New("cyclic required dependency")

	// ErrMissingRequiredDependency is reported by Future.AwaitUp when the
	// graph settled while a required dependency is not installed.
	ErrMissingRequiredDependency = errors.New("missing required dependency")

	// ErrDependencyFailed is reported by Future.AwaitUp when the graph settled
	// while a required dependency is FAILED.
	ErrDependencyFailed = errors.New("required dependency failed")

	// ErrNotDemanded is reported by Future.AwaitUp for on-demand services that
	// nothing asks for.
	ErrNotDemanded = errors.New("service not demanded")

	// ErrNeverMode is reported by Future.AwaitUp for services in ModeNever.
	ErrNeverMode = errors.New("service mode is NEVER")

	// ErrServiceRemoved is reported by Future.AwaitUp once the service is gone.
	ErrServiceRemoved = errors.New("service removed")

	// ErrInvalidDeclaration is returned when a builder fails validation.
	ErrInvalidDeclaration = errors.New("invalid service declaration")

	// ErrStaleTransition marks a task completion from an older generation.
	// Such completions are dropped.
	ErrStaleTransition = errors.New("stale transition")

	// ErrBatchInstalled is returned when Install is called twice on a batch.
	ErrBatchInstalled = errors.New("batch already installed")

	// ErrContainerClosed is returned after Shutdown.
	ErrContainerClosed = errors.New("container closed")
)

// StartFailure records why a service's start body failed.
type StartFailure struct {
	Name Name
	Err  error
}

func (e *StartFailure) Error() string {
	return fmt.Sprintf("service %s failed to start: %v", e.Name, e.Err)
}

func (e *StartFailure) Unwrap() error { return e.Err }

// StopFailure records a failed stop body. It is logged and never blocks the
// service from reaching DOWN.
type StopFailure struct {
	Name Name
	Err  error
}

func (e *StopFailure) Error() string {
	return fmt.Sprintf("service %s failed to stop cleanly: %v", e.Name, e.Err)
}

func (e *StopFailure) Unwrap() error { return e.Err }

// CycleError names the services forming a required dependency cycle.
type CycleError struct {
	Path []Name
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = n.String()
	}
	return fmt.Sprintf("%s: %s", ErrCyclicRequiredDependency, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicRequiredDependency }

// DeclarationError lists the validation problems of one builder.
type DeclarationError struct {
	Name     Name
	Problems []string
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("%s %s: %s", ErrInvalidDeclaration, e.Name, strings.Join(e.Problems, "; "))
}

func (e *DeclarationError) Unwrap() error { return ErrInvalidDeclaration }
