package analysis

import "errors"

// Fatal failure kinds. These abort a run; everything else is recorded in the
// output envelope as a per-entity skip and the pipeline proceeds.
var (
	// ErrMalformedInput means the payload could not be classified as either
	// the compact or the OTLP trace form.
	ErrMalformedInput = errors.New("malformed input")

	// ErrEmptyInput means normalization produced zero records. Analyze
	// converts this into an envelope with an empty finding list rather than
	// surfacing it to the caller.
	ErrEmptyInput = errors.New("empty input")

	// ErrConfigurationInvalid means a configuration field is out of range.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)
