package backend

// jobExecutionError carries the backend's error message verbatim.
type jobExecutionError struct{ msg string }

func (e jobExecutionError) Error() string { return "job execution error: " + e.msg }

// IsJobExecutionError reports whether err is a backend-reported job failure.
func IsJobExecutionError(err error) bool {
	_, ok := err.(jobExecutionError)
	return ok
}

// interruptedError signals a job that was interrupted on the backend.
type interruptedError struct{}

func (interruptedError) Error() string { return "job interrupted" }

// IsInterrupted reports whether err indicates backend-side interruption.
func IsInterrupted(err error) bool {
	_, ok := err.(interruptedError)
	return ok
}

// disconnectedError signals that the job channel is permanently down.
type disconnectedError struct{}

func (disconnectedError) Error() string { return "backend disconnected" }

// IsDisconnected reports whether err indicates a permanent disconnect.
func IsDisconnected(err error) bool {
	_, ok := err.(disconnectedError)
	return ok
}

// waitTimeoutError signals that WaitForCompletion gave up before the job finished.
type waitTimeoutError struct{ jobID string }

func (e waitTimeoutError) Error() string { return "timed out waiting for job " + e.jobID }

// IsWaitTimeout reports whether err is a completion-wait timeout.
func IsWaitTimeout(err error) bool {
	_, ok := err.(waitTimeoutError)
	return ok
}

// unknownJobError signals a wait on a job id with no registration.
type unknownJobError struct{ jobID string }

func (e unknownJobError) Error() string { return "unknown job id: " + e.jobID }

// IsUnknownJob reports whether err indicates a missing job registration.
func IsUnknownJob(err error) bool {
	_, ok := err.(unknownJobError)
	return ok
}
