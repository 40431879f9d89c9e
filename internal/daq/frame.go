package daq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/heimdallclient/internal/iqheader"
)

var (
	// ErrUnsupportedBitDepth is returned for payloads that are not float32.
	ErrUnsupportedBitDepth = errors.New("daq: unsupported sample bit depth")
	// ErrPayloadSize is returned when the payload does not match the header.
	ErrPayloadSize = errors.New("daq: payload size mismatch")
)

// Frame is one acquisition cycle. Samples[ch] holds CPILength interleaved
// (re, im) pairs for antenna channel ch.
type Frame struct {
	Header  iqheader.Header
	Samples [][]float32
}

// Channels is the number of antenna channels in the frame.
func (f Frame) Channels() int { return len(f.Samples) }

// Complex returns channel ch as complex samples.
func (f Frame) Complex(ch int) []complex128 {
	if ch < 0 || ch >= len(f.Samples) {
		return nil
	}
	iq := f.Samples[ch]
	out := make([]complex128, len(iq)/2)
	for i := range out {
		out[i] = complex(float64(iq[2*i]), float64(iq[2*i+1]))
	}
	return out
}

// DecodePayload reshapes a little-endian float32 payload into
// channel-major interleaved rows as announced by h.
func DecodePayload(h iqheader.Header, payload []byte) ([][]float32, error) {
	if h.SampleBitDepth != 32 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, h.SampleBitDepth)
	}
	if int64(len(payload)) != h.PayloadSize() {
		return nil, fmt.Errorf("%w: got %d bytes, header announces %d", ErrPayloadSize, len(payload), h.PayloadSize())
	}

	chans := int(h.ActiveAntChs)
	row := 2 * int(h.CPILength)
	backing := make([]float32, chans*row)
	for i := range backing {
		backing[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	out := make([][]float32, chans)
	for ch := range out {
		out[ch] = backing[ch*row : (ch+1)*row : (ch+1)*row]
	}
	return out, nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(samples [][]float32) []byte {
	n := 0
	for _, row := range samples {
		n += len(row)
	}
	buf := make([]byte, 0, 4*n)
	for _, row := range samples {
		for _, v := range row {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

// RMS is the root mean square of v. An empty vector has RMS 0.
func RMS(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum / float64(len(v))))
}
