package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for a process name that has no launch configuration.
	ErrNotFound = errors.New("process not found")

	// ErrNotRunning is returned when stopping a process that has no live handle.
	ErrNotRunning = errors.New("process not running")

	// ErrNotAvailable is returned when a payload cannot be handed to the process,
	// because its input is closed or it is stopping.
	ErrNotAvailable = errors.New("process not available")

	// ErrTooManySubscribers is returned when a process already has the maximum number of subscribers.
	ErrTooManySubscribers = errors.New("too many subscribers")

	// ErrShuttingDown is returned for starts attempted after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// LaunchError means the OS could not create the process.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching process %q: %s", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is makes a LaunchError match ErrNotAvailable, since a process that could not be
// launched cannot accept input either.
func (e *LaunchError) Is(target error) bool { return target == ErrNotAvailable }
