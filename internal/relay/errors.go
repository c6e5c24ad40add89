package relay

import "errors"

// Domain errors for the relay package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, relay.ErrInvalidInput) {
//	    // reject the request, state is unchanged
//	}
var (
	// ErrInvalidInput is returned when a telemetry payload is malformed or a
	// field cannot be read as a finite number.
	ErrInvalidInput = errors.New("relay: invalid input")
)
