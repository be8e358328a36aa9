package parley

import "errors"

var (
	// ErrNoProvider is returned when a stream request has no provider bound.
	ErrNoProvider = errors.New("parley: provider is required")

	// ErrUnsupported is returned by providers for streaming capabilities
	// they do not implement. The stream manager treats it as a signal to
	// fall back to the next strategy.
	ErrUnsupported = errors.New("parley: streaming capability not supported")
)
