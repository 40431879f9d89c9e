package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command is a four character command word understood by the appliance.
type Command string

const (
	CmdInit    Command = "INIT"
	CmdExit    Command = "EXIT"
	CmdSquelch Command = "STHU"
	CmdFreq    Command = "FREQ"
	CmdGain    Command = "GAIN"
	CmdAGC     Command = "AGC "
)

const (
	// FrameSize is the fixed length of every control request.
	FrameSize = 128
	// TagSize is the length of the command word at the start of a frame.
	TagSize = 4
	// ParamSize is the capacity of the parameter block following the tag.
	ParamSize = FrameSize - TagSize
	// GainChannels is the number of receiver channels carried by GAIN.
	GainChannels = 5
)

// ErrInvalidParameter marks user input that cannot be turned into a command.
var ErrInvalidParameter = errors.New("invalid parameter")

// Frame is one encoded control request.
type Frame [FrameSize]byte

// Encode lays out cmd followed by payload. Payload beyond ParamSize bytes is
// dropped; unused space is zero.
func Encode(cmd Command, payload []byte) Frame {
	var f Frame
	copy(f[:TagSize], cmd)
	copy(f[TagSize:], payload)
	return f
}

// Tag returns the command word carried by the frame.
func (f Frame) Tag() Command { return Command(f[:TagSize]) }

// Params returns the parameter block.
func (f Frame) Params() []byte { return f[TagSize:] }

// SquelchPayload encodes a squelch threshold as a little-endian float32.
func SquelchPayload(threshold float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(threshold))
	return b
}

// FrequencyPayload encodes a tuning frequency given in MHz as a
// little-endian int64 in Hz. Sub-hertz remainders are truncated.
func FrequencyPayload(mhz float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(int64(mhz*1e6)))
	return b
}

// GainPayload quantizes one gain per channel and encodes them as
// little-endian int32 values. Missing channels are sent as the lowest gain,
// extra values are ignored.
func GainPayload(gains ...int) []byte {
	b := make([]byte, 4*GainChannels)
	for ch := 0; ch < GainChannels; ch++ {
		requested := 0
		if ch < len(gains) {
			requested = gains[ch]
		}
		binary.LittleEndian.PutUint32(b[4*ch:], uint32(int32(NearestGain(requested))))
	}
	return b
}

// ParseFrequencyMHz parses user supplied tuning input such as "433.92".
func ParseFrequencyMHz(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("frequency %q: %w", s, ErrInvalidParameter)
	}
	return v, nil
}
