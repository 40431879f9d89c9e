// Package recorder reads and writes raw I/Q sample dumps: little-endian
// float32, channel-major, no header. Files ending in ".zst" are zstd
// compressed.
package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrChannelCount is returned when a dump cannot be split evenly into the
// requested number of channels.
var ErrChannelCount = errors.New("recorder: dump does not divide into channels")

// WriteDump writes samples row by row.
func WriteDump(w io.Writer, samples [][]float32) error {
	bw := bufio.NewWriter(w)
	var b [4]byte
	for _, row := range samples {
		for _, v := range row {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			if _, err := bw.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadDump reads a whole dump and splits it into channels equal rows.
func ReadDump(r io.Reader, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrChannelCount, channels)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%(4*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes over %d channels", ErrChannelCount, len(raw), channels)
	}
	row := len(raw) / 4 / channels
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, row)
		for i := range out[ch] {
			off := 4 * (ch*row + i)
			out[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
		}
	}
	return out, nil
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// SaveFile writes samples to path, overwriting it.
func SaveFile(path string, samples [][]float32) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if !compressed(path) {
		return WriteDump(f, samples)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := WriteDump(enc, samples); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// LoadFile reads a dump written by SaveFile.
func LoadFile(path string, channels int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !compressed(path) {
		return ReadDump(f, channels)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return ReadDump(dec, channels)
}
