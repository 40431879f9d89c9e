package iqheader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	h := Header{
		SyncWord:           SyncWord,
		FrameType:          FrameData,
		HardwareID:         "KRAKEN",
		UnitID:             7,
		ActiveAntChs:       5,
		IOOType:            1,
		RFCenterFreq:       416_588_000,
		ADCSamplingFreq:    2_400_000,
		SamplingFreq:       2_400_000,
		CPILength:          1 << 18,
		TimeStamp:          1_700_000_000_123,
		DAQBlockIndex:      42,
		CPIIndex:           43,
		ExtIntegrationCntr: 0x1_0000_0002,
		DataType:           DataTypeInUse,
		SampleBitDepth:     32,
		ADCOverdriveFlags:  0b10,
		DelaySyncFlag:      1,
		IQSyncFlag:         1,
		SyncState:          6,
		NoiseSourceState:   0,
		HeaderVersion:      7,
	}
	for i := range h.IFGains {
		h.IFGains[i] = uint32(10 * i)
	}
	for i := range h.Reserved {
		h.Reserved[i] = byte(i * 7)
	}
	return h
}

func TestRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := h.Encode()
	require.Len(t, buf, Size)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestRoundTripHighWords(t *testing.T) {
	h := sampleHeader()
	h.RFCenterFreq = 0xFFFF_FFFF_0000_0001
	h.TimeStamp = 0x8000_0000_0000_0000
	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h.RFCenterFreq, got.RFCenterFreq)
	assert.Equal(t, h.TimeStamp, got.TimeStamp)
}

func TestFieldOffsets(t *testing.T) {
	buf := sampleHeader().Encode()
	le := binary.LittleEndian
	assert.Equal(t, SyncWord, le.Uint32(buf[0:4]))
	assert.Equal(t, "KRAKEN", string(buf[8:14]))
	assert.Equal(t, uint64(416_588_000), le.Uint64(buf[40:48]))
	assert.Equal(t, uint32(1<<18), le.Uint32(buf[64:68]))
	assert.Equal(t, uint32(32), le.Uint32(buf[100:104]))
	assert.Equal(t, uint32(7), le.Uint32(buf[1020:1024]))
}

func TestHardwareIDPadding(t *testing.T) {
	h := Header{HardwareID: "a-very-long-hardware-identifier"}
	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, "a-very-long-hard", got.HardwareID)

	h.HardwareID = "KR"
	buf := h.Encode()
	assert.Equal(t, []byte{'K', 'R', 0, 0}, buf[8:12])
	got, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "KR", got.HardwareID)
}

func TestHardwareIDKeepsSpaces(t *testing.T) {
	h := sampleHeader()
	h.HardwareID = " KR 5 "
	got, err := Decode(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestAlignmentPaddingIsZero(t *testing.T) {
	buf := sampleHeader().Encode()
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[36:40])
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[68:72])

	// Decode ignores whatever the appliance leaves there.
	buf[36], buf[70] = 0xAA, 0xBB
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, sampleHeader(), got)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestPayloadSize(t *testing.T) {
	h := Header{SyncWord: SyncWord, FrameType: FrameData, ActiveAntChs: 2, CPILength: 4, SampleBitDepth: 32}
	assert.Equal(t, int64(64), h.PayloadSize())

	h.CPILength = 0
	assert.Zero(t, h.PayloadSize())
}

func TestDiagnostics(t *testing.T) {
	assert.Empty(t, sampleHeader().Diagnostics())

	h := Header{SyncWord: 1, NoiseSourceState: 1, DataType: 2}
	d := h.Diagnostics()
	require.Len(t, d, 5)
	assert.Equal(t, "sync word mismatch: 0x00000001", d[0])
	assert.Equal(t, "out of sync", d[1])
	assert.Equal(t, "noise source on", d[2])
	assert.Equal(t, "IQ out of sync", d[3])
	assert.Equal(t, "data type is 2, want 3", d[4])
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "DATA", FrameData.String())
	assert.Equal(t, "EMPTY", FrameEmpty.String())
	assert.Equal(t, "UNKNOWN(9)", FrameType(9).String())
}

func TestLogFields(t *testing.T) {
	h := sampleHeader()
	fields := h.LogFields()
	byKey := map[string]any{}
	for _, f := range fields {
		byKey[f.Key] = f.Value
	}
	assert.Equal(t, "DATA", byKey["frame_type"])
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, byKey["if_gains_db"])
	assert.InDelta(t, 416.588, byKey["rf_center_mhz"], 1e-9)
}
