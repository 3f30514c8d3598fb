// Package mpeg locates MPEG-1 Layer III frame headers in raw bytes and maps
// time windows onto byte ranges of a constant-bitrate stream.
//
// Everything in this package is pure: no I/O, no shared mutable state. The
// lookup tables are package-level and read-only, so Scan, Decode, MapRange and
// EstimateDuration are safe for concurrent use.
package mpeg
