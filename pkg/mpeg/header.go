package mpeg

import "fmt"

const (
	// HeaderSize is the length in bytes of an MPEG audio frame header.
	HeaderSize = 4

	// SamplesPerFrame is the fixed number of samples in a Layer III frame.
	SamplesPerFrame = 1152

	syncWord = 0xFFF
	version1 = 1
	layer3   = 1 // bit pattern 01
)

// MPEG-1 Layer III lookup tables, indexed by the raw header codes. A bit rate
// of 0 marks free format (code 0000) and the forbidden code 1111.
var (
	bitRateTable   = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	frequencyTable = [3]int{44100, 48000, 32000}
	channelTable   = [4]int{2, 2, 2, 1}
)

// Channel mode codes.
const (
	ChannelModeStereo      = 0
	ChannelModeJointStereo = 1
	ChannelModeDualChannel = 2
	ChannelModeMono        = 3
)

var channelModeNames = [4]string{"stereo", "joint stereo", "dual channel", "mono"}

// FrameHeader is the decoded form of a 4-byte MPEG-1 Layer III frame header.
type FrameHeader struct {
	SyncWord      uint16 `json:"sync_word"`
	Version       uint8  `json:"version"`
	Layer         uint8  `json:"layer"`
	ProtectionBit uint8  `json:"protection_bit"`
	BitRateKbps   int    `json:"bit_rate_kbps"`
	FrequencyHz   int    `json:"frequency_hz"`
	PaddingBit    uint8  `json:"padding_bit"`
	ChannelMode   uint8  `json:"channel_mode"`
	Channels      int    `json:"channels"`
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("MPEG-1 Layer III, %d kbps, %d Hz, %s",
		h.BitRateKbps, h.FrequencyHz, channelModeNames[h.ChannelMode&0x3])
}

// Decode decodes and validates exactly one header from the first four bytes
// of b.
func Decode(b []byte) (FrameHeader, error) {
	if len(b) < HeaderSize {
		return FrameHeader{}, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedInput, HeaderSize, len(b))
	}

	h, field := decode(b[0], b[1], b[2], b[3])
	if field != "" {
		return FrameHeader{}, fmt.Errorf("%w: invalid %s in % X", ErrHeaderNotFound, field, b[:HeaderSize])
	}

	return h, nil
}

// decode returns the header and an empty string, or the name of the first
// field that failed validation. It does not allocate.
func decode(b0, b1, b2, b3 byte) (FrameHeader, string) {
	var h FrameHeader

	h.SyncWord = uint16(b0)<<4 | uint16(b1>>4)
	if h.SyncWord != syncWord {
		return FrameHeader{}, "sync word"
	}

	h.Version = (b1 >> 3) & 0x1
	if h.Version != version1 {
		return FrameHeader{}, "version"
	}

	h.Layer = (b1 >> 1) & 0x3
	if h.Layer != layer3 {
		return FrameHeader{}, "layer"
	}

	h.ProtectionBit = b1 & 0x1

	// A 4-bit code always indexes the table; zero entries are left for the
	// mapper to reject.
	h.BitRateKbps = bitRateTable[b2>>4]

	frequencyCode := (b2 >> 2) & 0x3
	if int(frequencyCode) >= len(frequencyTable) {
		return FrameHeader{}, "frequency"
	}
	h.FrequencyHz = frequencyTable[frequencyCode]

	h.PaddingBit = (b2 >> 1) & 0x1

	h.ChannelMode = b3 >> 6
	h.Channels = channelTable[h.ChannelMode]

	return h, ""
}
