package liverelay

// Ptr is a utility function that returns a pointer to the given value.
// This is useful for building optional wire fields inline.
//
// Example usage:
//
//	msg := clientMessage{Setup: Ptr(setup.wire("models/x"))}
func Ptr[T any](v T) *T { return &v }
