package claim

// claimDisposedError signals an extend/complete on an already disposed claim.
type claimDisposedError struct{ id int64 }

func (e claimDisposedError) Error() string { return "claim disposed: invalid state" }

// IsClaimDisposed reports whether err indicates use of a disposed claim.
func IsClaimDisposed(err error) bool {
	_, ok := err.(claimDisposedError)
	return ok
}

// negativeCountError signals a delta that would drive a counter below zero.
type negativeCountError struct{ id int64 }

func (e negativeCountError) Error() string { return "claim counter would go negative" }

// IsNegativeCount reports whether err indicates an underflowing counter delta.
func IsNegativeCount(err error) bool {
	_, ok := err.(negativeCountError)
	return ok
}
