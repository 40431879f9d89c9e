// Package iqheader encodes and decodes the 1024 byte header that precedes
// every I/Q payload on the DAQ data port.
package iqheader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rjboer/heimdallclient/internal/logging"
)

const (
	// Size is the encoded header length in bytes.
	Size = 1024
	// SyncWord marks a well formed header.
	SyncWord uint32 = 0x2BF7B95A
	// DataTypeInUse is the only data type code the appliance emits today.
	DataTypeInUse uint32 = 3
	// HardwareIDSize is the fixed width of the hardware id field.
	HardwareIDSize = 16
	// ReservedSize is the length of the reserved tail region.
	ReservedSize = 768
	// MaxIFGains is the number of IF gain slots in the header.
	MaxIFGains = 32
)

// ErrShortHeader is returned when fewer than Size bytes are supplied.
var ErrShortHeader = errors.New("iqheader: short header")

// FrameType classifies the payload that follows a header.
type FrameType uint32

const (
	FrameData FrameType = iota
	FrameDummy
	FrameRamp
	FrameCal
	FrameTrigW
	FrameEmpty
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameDummy:
		return "DUMMY"
	case FrameRamp:
		return "RAMP"
	case FrameCal:
		return "CAL"
	case FrameTrigW:
		return "TRIGW"
	case FrameEmpty:
		return "EMPTY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// Header is the decoded form of the DAQ frame header.
type Header struct {
	SyncWord           uint32
	FrameType          FrameType
	HardwareID         string
	UnitID             uint32
	ActiveAntChs       uint32
	IOOType            uint32
	RFCenterFreq       uint64 // Hz
	ADCSamplingFreq    uint64 // Hz
	SamplingFreq       uint64 // Hz, I/Q rate after decimation
	CPILength          uint32 // complex samples per channel
	TimeStamp          uint64 // Unix epoch, ms
	DAQBlockIndex      uint32
	CPIIndex           uint32
	ExtIntegrationCntr uint64
	DataType           uint32
	SampleBitDepth     uint32
	ADCOverdriveFlags  uint32
	IFGains            [MaxIFGains]uint32 // tenths of a dB
	DelaySyncFlag      uint32
	IQSyncFlag         uint32
	SyncState          uint32
	NoiseSourceState   uint32
	Reserved           [ReservedSize]byte
	HeaderVersion      uint32
}

// Byte offsets of the appliance's naturally aligned C struct. The 64 bit
// fields sit on 8 byte boundaries, which leaves alignment gaps at 36 and 68.
const (
	offSyncWord           = 0
	offFrameType          = 4
	offHardwareID         = 8
	offUnitID             = 24
	offActiveAntChs       = 28
	offIOOType            = 32
	offRFCenterFreq       = 40
	offADCSamplingFreq    = 48
	offSamplingFreq       = 56
	offCPILength          = 64
	offTimeStamp          = 72
	offDAQBlockIndex      = 80
	offCPIIndex           = 84
	offExtIntegrationCntr = 88
	offDataType           = 96
	offSampleBitDepth     = 100
	offADCOverdriveFlags  = 104
	offIFGains            = 108
	offDelaySyncFlag      = offIFGains + 4*MaxIFGains
	offIQSyncFlag         = offDelaySyncFlag + 4
	offSyncState          = offIQSyncFlag + 4
	offNoiseSourceState   = offSyncState + 4
	offReserved           = offNoiseSourceState + 4
	offHeaderVersion      = offReserved + ReservedSize
)

// Decode parses the first Size bytes of buf.
func Decode(buf []byte) (Header, error) {
	if len(buf) < Size {
		return Header{}, fmt.Errorf("%w: got %d of %d bytes", ErrShortHeader, len(buf), Size)
	}
	le := binary.LittleEndian
	u32 := func(off int) uint32 { return le.Uint32(buf[off : off+4]) }

	h := Header{
		SyncWord:           u32(offSyncWord),
		FrameType:          FrameType(u32(offFrameType)),
		HardwareID:         decodeID(buf[offHardwareID : offHardwareID+HardwareIDSize]),
		UnitID:             u32(offUnitID),
		ActiveAntChs:       u32(offActiveAntChs),
		IOOType:            u32(offIOOType),
		RFCenterFreq:       u64(buf, offRFCenterFreq),
		ADCSamplingFreq:    u64(buf, offADCSamplingFreq),
		SamplingFreq:       u64(buf, offSamplingFreq),
		CPILength:          u32(offCPILength),
		TimeStamp:          u64(buf, offTimeStamp),
		DAQBlockIndex:      u32(offDAQBlockIndex),
		CPIIndex:           u32(offCPIIndex),
		ExtIntegrationCntr: u64(buf, offExtIntegrationCntr),
		DataType:           u32(offDataType),
		SampleBitDepth:     u32(offSampleBitDepth),
		ADCOverdriveFlags:  u32(offADCOverdriveFlags),
		DelaySyncFlag:      u32(offDelaySyncFlag),
		IQSyncFlag:         u32(offIQSyncFlag),
		SyncState:          u32(offSyncState),
		NoiseSourceState:   u32(offNoiseSourceState),
		HeaderVersion:      u32(offHeaderVersion),
	}
	for i := range h.IFGains {
		h.IFGains[i] = u32(offIFGains + 4*i)
	}
	copy(h.Reserved[:], buf[offReserved:offReserved+ReservedSize])
	return h, nil
}

// Encode serialises h into a fresh Size byte slice. The hardware id is
// NUL padded or truncated to HardwareIDSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, Size)
	le := binary.LittleEndian
	put := func(off int, v uint32) { le.PutUint32(buf[off:off+4], v) }

	put(offSyncWord, h.SyncWord)
	put(offFrameType, uint32(h.FrameType))
	copy(buf[offHardwareID:offHardwareID+HardwareIDSize], h.HardwareID)
	put(offUnitID, h.UnitID)
	put(offActiveAntChs, h.ActiveAntChs)
	put(offIOOType, h.IOOType)
	putU64(buf, offRFCenterFreq, h.RFCenterFreq)
	putU64(buf, offADCSamplingFreq, h.ADCSamplingFreq)
	putU64(buf, offSamplingFreq, h.SamplingFreq)
	put(offCPILength, h.CPILength)
	putU64(buf, offTimeStamp, h.TimeStamp)
	put(offDAQBlockIndex, h.DAQBlockIndex)
	put(offCPIIndex, h.CPIIndex)
	putU64(buf, offExtIntegrationCntr, h.ExtIntegrationCntr)
	put(offDataType, h.DataType)
	put(offSampleBitDepth, h.SampleBitDepth)
	put(offADCOverdriveFlags, h.ADCOverdriveFlags)
	for i, g := range h.IFGains {
		put(offIFGains+4*i, g)
	}
	put(offDelaySyncFlag, h.DelaySyncFlag)
	put(offIQSyncFlag, h.IQSyncFlag)
	put(offSyncState, h.SyncState)
	put(offNoiseSourceState, h.NoiseSourceState)
	copy(buf[offReserved:offReserved+ReservedSize], h.Reserved[:])
	put(offHeaderVersion, h.HeaderVersion)
	return buf
}

// u64 composes a 64 bit field from its low word followed by its high word.
func u64(buf []byte, off int) uint64 {
	lo := binary.LittleEndian.Uint32(buf[off : off+4])
	hi := binary.LittleEndian.Uint32(buf[off+4 : off+8])
	return uint64(lo) | uint64(hi)<<32
}

func putU64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(v>>32))
}

// decodeID cuts the ID at its first NUL and keeps every byte before it.
func decodeID(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// PayloadSize is the number of payload bytes announced by the header:
// CPI length x channels x 2 x bytes per sample.
func (h Header) PayloadSize() int64 {
	return int64(h.CPILength) * int64(h.ActiveAntChs) * 2 * int64(h.SampleBitDepth/8)
}

// Diagnostics lists the informational checks the header fails. None of
// them make the frame unusable.
func (h Header) Diagnostics() []string {
	var out []string
	if h.SyncWord != SyncWord {
		out = append(out, fmt.Sprintf("sync word mismatch: 0x%08X", h.SyncWord))
	}
	if h.SyncState < 1 {
		out = append(out, "out of sync")
	}
	if h.NoiseSourceState > 0 {
		out = append(out, "noise source on")
	}
	if h.IQSyncFlag < 1 {
		out = append(out, "IQ out of sync")
	}
	if h.DataType != DataTypeInUse {
		out = append(out, fmt.Sprintf("data type is %d, want %d", h.DataType, DataTypeInUse))
	}
	return out
}

// IFGainDB returns the IF gain of channel ch in dB.
func (h Header) IFGainDB(ch int) float64 {
	if ch < 0 || ch >= MaxIFGains {
		return 0
	}
	return float64(h.IFGains[ch]) / 10
}

// LogFields flattens the header for structured logging. IF gains are
// reported for the active channels only.
func (h Header) LogFields() []logging.Field {
	n := int(h.ActiveAntChs)
	if n > MaxIFGains {
		n = MaxIFGains
	}
	gains := make([]float64, n)
	for i := range gains {
		gains[i] = h.IFGainDB(i)
	}
	return []logging.Field{
		{Key: "sync_word", Value: fmt.Sprintf("0x%08X", h.SyncWord)},
		{Key: "header_version", Value: h.HeaderVersion},
		{Key: "frame_type", Value: h.FrameType.String()},
		{Key: "hardware_id", Value: h.HardwareID},
		{Key: "unit_id", Value: h.UnitID},
		{Key: "active_ant_chs", Value: h.ActiveAntChs},
		{Key: "ioo_type", Value: h.IOOType},
		{Key: "rf_center_mhz", Value: float64(h.RFCenterFreq) / 1e6},
		{Key: "adc_sampling_mhz", Value: float64(h.ADCSamplingFreq) / 1e6},
		{Key: "iq_sampling_mhz", Value: float64(h.SamplingFreq) / 1e6},
		{Key: "cpi_length", Value: h.CPILength},
		{Key: "timestamp", Value: h.TimeStamp},
		{Key: "daq_block_index", Value: h.DAQBlockIndex},
		{Key: "cpi_index", Value: h.CPIIndex},
		{Key: "ext_integration_cntr", Value: h.ExtIntegrationCntr},
		{Key: "data_type", Value: h.DataType},
		{Key: "sample_bit_depth", Value: h.SampleBitDepth},
		{Key: "adc_overdrive_flags", Value: h.ADCOverdriveFlags},
		{Key: "if_gains_db", Value: gains},
		{Key: "delay_sync_flag", Value: h.DelaySyncFlag},
		{Key: "iq_sync_flag", Value: h.IQSyncFlag},
		{Key: "sync_state", Value: h.SyncState},
		{Key: "noise_source_state", Value: h.NoiseSourceState},
	}
}
