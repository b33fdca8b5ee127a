package pe

import "fmt"

// InvalidImageError reports a structurally inconsistent PE image: bad
// magic, truncated headers, an out-of-bounds data directory, and so on.
// The file is never modified once one of these is raised.
type InvalidImageError struct {
	Reason string
}

func (e *InvalidImageError) Error() string {
	return "invalid PE image: " + e.Reason
}

// NewInvalidImage builds an InvalidImageError with the given reason.
func NewInvalidImage(reason string) error {
	return &InvalidImageError{Reason: reason}
}

func invalidImage(format string, args ...interface{}) error {
	return &InvalidImageError{Reason: fmt.Sprintf(format, args...)}
}
