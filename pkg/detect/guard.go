package detect

import (
	"errors"
	"fmt"
)

// DefaultCeiling is the largest delta a stream dispatches in one cycle.
const DefaultCeiling = 10

// ErrDeltaTooLarge marks a delta that tripped the guard.
var ErrDeltaTooLarge = errors.New("delta exceeds ceiling")

// CeilingError carries the size that tripped the guard. It matches
// ErrDeltaTooLarge under errors.Is.
type CeilingError struct {
	Size    int
	Ceiling int
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("delta of %d exceeds ceiling %d; nothing dispatched", e.Size, e.Ceiling)
}

// Is reports whether target is ErrDeltaTooLarge.
func (e *CeilingError) Is(target error) bool { return target == ErrDeltaTooLarge }

// Guard checks a delta against ceiling. A delta that large almost always
// means the watermark was lost or a logic regression, not a real surge, so
// the caller must skip dispatch and persist res.Watermark straight away.
// A non-positive ceiling means DefaultCeiling.
func Guard(res Result, ceiling int) error {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if len(res.Delta) > ceiling {
		return &CeilingError{Size: len(res.Delta), Ceiling: ceiling}
	}
	return nil
}
