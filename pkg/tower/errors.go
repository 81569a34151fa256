package tower

// ValidationFailedError wraps a malformed-request failure from step 1 of
// the admission path (spec.md §4.G, §7): surfaced to the HTTP caller as
// 400.
type ValidationFailedError struct {
	Err error
}

func (e *ValidationFailedError) Error() string {
	return "tower: validation failed: " + e.Err.Error()
}

func (e *ValidationFailedError) Unwrap() error { return e.Err }

// InspectionFailedError wraps a mode-specific invariant failure from
// step 2 of the admission path (spec.md §4.G, §7): surfaced to the HTTP
// caller as 400.
type InspectionFailedError struct {
	Err error
}

func (e *InspectionFailedError) Error() string {
	return "tower: inspection failed: " + e.Err.Error()
}

func (e *InspectionFailedError) Unwrap() error { return e.Err }
