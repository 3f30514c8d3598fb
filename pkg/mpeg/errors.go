package mpeg

import "errors"

var (
	// ErrHeaderNotFound is returned when no 4-byte window of a buffer holds a
	// structurally valid frame header.
	ErrHeaderNotFound = errors.New("mpeg: frame header not found")

	// ErrInvalidHeaderForMapping is returned when a header has a zero bit
	// rate or sample rate, which leaves the byte rate undefined.
	ErrInvalidHeaderForMapping = errors.New("mpeg: header cannot be used for mapping")

	// ErrMalformedInput is returned for buffers too short to hold a header and
	// for negative, non-finite or inverted time windows.
	ErrMalformedInput = errors.New("mpeg: malformed input")
)
