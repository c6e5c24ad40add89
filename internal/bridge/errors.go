package bridge

import "errors"

// ErrMissingDependency is returned by New when a required option is nil or empty.
var ErrMissingDependency = errors.New("bridge: missing dependency")
