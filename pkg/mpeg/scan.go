package mpeg

import "fmt"

// HeaderLocation is a decoded header and the index in the scanned buffer at
// which its four bytes begin.
type HeaderLocation struct {
	Header FrameHeader `json:"header"`
	Offset int         `json:"offset"`
}

// Scan returns the first position in buf holding a valid MPEG-1 Layer III
// frame header. Scanning never looks past len(buf)-4, so a trailing remainder
// shorter than a header is ignored. The buffer is not retained.
func Scan(buf []byte) (HeaderLocation, error) {
	if len(buf) < HeaderSize {
		return HeaderLocation{}, fmt.Errorf("%w: buffer of %d bytes: %w", ErrHeaderNotFound, len(buf), ErrMalformedInput)
	}

	for i := 0; i <= len(buf)-HeaderSize; i++ {
		// Cheap reject before the full decode; the sync word needs 0xFF here.
		if buf[i] != 0xFF {
			continue
		}

		h, field := decode(buf[i], buf[i+1], buf[i+2], buf[i+3])
		if field != "" {
			continue
		}

		return HeaderLocation{Header: h, Offset: i}, nil
	}

	return HeaderLocation{}, fmt.Errorf("%w: scanned %d bytes", ErrHeaderNotFound, len(buf))
}
