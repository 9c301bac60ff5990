package pool

// unknownBackendTypeError signals an add-backend call with an unregistered type.
type unknownBackendTypeError struct{ typeID string }

func (e unknownBackendTypeError) Error() string { return "unknown backend type: " + e.typeID }

// ErrUnknownBackendType constructs the error for an unregistered type id.
func ErrUnknownBackendType(typeID string) error { return unknownBackendTypeError{typeID: typeID} }

// IsUnknownBackendType reports whether err indicates an unregistered backend type.
func IsUnknownBackendType(err error) bool {
	_, ok := err.(unknownBackendTypeError)
	return ok
}

// timeoutError signals that no eligible backend appeared within maxWait.
type timeoutError struct{}

func (timeoutError) Error() string { return "no backend available before timeout" }

// ErrTimeout constructs a backend-wait timeout error.
func ErrTimeout() error { return timeoutError{} }

// IsTimeout reports whether err indicates a backend-wait timeout. Callers may retry.
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// cancelledError signals a caller-initiated cancellation. It is a distinct
// outcome, not a failure of the pool.
type cancelledError struct{}

func (cancelledError) Error() string { return "backend request cancelled" }

// ErrCancelled constructs a caller-cancellation error.
func ErrCancelled() error { return cancelledError{} }

// IsCancelled reports whether err indicates caller cancellation.
func IsCancelled(err error) bool {
	_, ok := err.(cancelledError)
	return ok
}

// shuttingDownError signals a terminal orchestrator. Not retryable.
type shuttingDownError struct{}

func (shuttingDownError) Error() string { return "orchestrator shutting down" }

// ErrShuttingDown constructs a shutdown error.
func ErrShuttingDown() error { return shuttingDownError{} }

// IsShuttingDown reports whether err indicates orchestrator shutdown.
func IsShuttingDown(err error) bool {
	_, ok := err.(shuttingDownError)
	return ok
}

// modelLoadFailedError marks a per-backend model load failure.
type modelLoadFailedError struct {
	model string
	cause error
}

func (e modelLoadFailedError) Error() string {
	return "model load failed: " + e.model + ": " + e.cause.Error()
}

func (e modelLoadFailedError) Unwrap() error { return e.cause }

// ErrModelLoadFailed wraps cause as a load failure for the given model.
func ErrModelLoadFailed(model string, cause error) error {
	return modelLoadFailedError{model: model, cause: cause}
}

// IsModelLoadFailed reports whether err indicates a failed model load.
func IsModelLoadFailed(err error) bool {
	_, ok := err.(modelLoadFailedError)
	return ok
}
