package mpeg

import (
	"fmt"
	"math"
)

// ByteRange is an end-inclusive span of absolute byte positions in the
// remote resource.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len is the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) String() string {
	return r.Header()
}

// MapRange converts the [start, end] window, in seconds, into the byte range
// of a constant-bitrate stream whose header h begins at absolute byte offset.
//
// The start rounds down and the end rounds up so the range never cuts into
// the requested window. The result is not clamped to the resource size.
func MapRange(h FrameHeader, offset int64, start, end float64) (ByteRange, error) {
	if err := checkHeader(h); err != nil {
		return ByteRange{}, err
	}

	if offset < 0 {
		return ByteRange{}, fmt.Errorf("%w: negative offset %d", ErrMalformedInput, offset)
	}
	for _, t := range []float64{start, end} {
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return ByteRange{}, fmt.Errorf("%w: time %v out of range", ErrMalformedInput, t)
		}
	}
	if end < start {
		return ByteRange{}, fmt.Errorf("%w: end %v before start %v", ErrMalformedInput, end, start)
	}
	// end >= start, so this bounds both ends after the offset is added.
	if bytesAt(h, end) >= float64(math.MaxInt64-offset) {
		return ByteRange{}, fmt.Errorf("%w: time %v is past the largest addressable byte", ErrMalformedInput, end)
	}

	return ByteRange{
		Start: int64(math.Floor(bytesAt(h, start))) + offset,
		End:   int64(math.Ceil(bytesAt(h, end))) + offset,
	}, nil
}

// EstimateDuration is the inverse of MapRange: the playback time, in seconds,
// covered by the bytes from offset up to size.
func EstimateDuration(h FrameHeader, offset, size int64) (float64, error) {
	if err := checkHeader(h); err != nil {
		return 0, err
	}
	if offset < 0 || size < offset {
		return 0, fmt.Errorf("%w: offset %d outside size %d", ErrMalformedInput, offset, size)
	}

	return float64(size-offset) / bytesAt(h, 1), nil
}

// bytesAt is the unrounded byte distance from the header reached after t
// seconds. The frame adjustment factor accounts for the samples in one frame.
func bytesAt(h FrameHeader, t float64) float64 {
	frameAdjustmentFactor := 1 - float64(SamplesPerFrame)/float64(h.FrequencyHz)
	return t * float64(h.BitRateKbps*1024) * frameAdjustmentFactor / 8
}

func checkHeader(h FrameHeader) error {
	if h.BitRateKbps <= 0 {
		return fmt.Errorf("%w: bit rate %d kbps", ErrInvalidHeaderForMapping, h.BitRateKbps)
	}
	if h.FrequencyHz <= SamplesPerFrame {
		return fmt.Errorf("%w: sample rate %d Hz", ErrInvalidHeaderForMapping, h.FrequencyHz)
	}
	return nil
}
