package bitmap

import "errors"

// ErrInvalidState indicates a misuse of the bitmap: an index outside of
// [0, 63], or a unique-index query while multiple bits are set.
var ErrInvalidState = errors.New("invalid bitmap state")
