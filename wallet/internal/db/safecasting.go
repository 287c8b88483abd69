package db

import (
	"errors"
	"fmt"
)

var (
	// ErrCastingOverflow is returned when a value cannot be safely
	// cast to the desired type.
	ErrCastingOverflow = errors.New("casting overflow")
)

// integer lists the integer types stored in SQL columns.
type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// castInt converts v to To, returning ErrCastingOverflow when the value does
// not survive the round trip or changes sign.
func castInt[To, From integer](v From) (To, error) {
	to := To(v)
	if From(to) != v || (v < 0) != (to < 0) {
		return 0, fmt.Errorf("could not cast %d to %T: %w", v, to,
			ErrCastingOverflow)
	}

	return to, nil
}
