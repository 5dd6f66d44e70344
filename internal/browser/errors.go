package browser

import "errors"

var (
	// ErrLaunchFailed indicates the engine process could not be started.
	ErrLaunchFailed = errors.New("browser launch failed")

	// ErrSessionCreate indicates an isolated context could not be created.
	ErrSessionCreate = errors.New("session creation failed")

	// ErrNoResponse indicates navigation completed without the server
	// producing any response (DNS failure, refused connection, reset).
	ErrNoResponse = errors.New("navigation produced no response")

	// ErrNavigationTimeout indicates the configured wait condition was not
	// reached before the navigation deadline.
	ErrNavigationTimeout = errors.New("navigation wait timeout exceeded")

	// ErrWaitTimeout indicates an in-page wait (selector, network idle)
	// exceeded its own bound. Non-fatal for the render.
	ErrWaitTimeout = errors.New("wait condition timeout")

	// ErrPoolShutdown is returned by Acquire after shutdown has begun.
	ErrPoolShutdown = errors.New("browser pool is shutting down")

	// ErrSessionLimit is returned when the live session ceiling is reached.
	ErrSessionLimit = errors.New("live session limit reached")
)
