// Package canopen implements the expedited SDO subset spoken by the
// pusirobot stepper controllers: encode dictionary-anchored read/write
// requests into CAN frames and decode the answers back into typed
// values. Segmented and block transfers are out of scope.
package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/logging"
)

// Client command specifiers (byte 0, bits 7..5) per CiA 301.
const (
	CCSSegDownload   = 0
	CCSInitDownload  = 1
	CCSInitUpload    = 2
	CCSSegUpload     = 3
	CCSAbort         = 4
	CCSBlockUpload   = 5
	CCSBlockDownload = 6
)

// COB-ID bases and masks for the SDO channels.
const (
	TSDOBase   = 0x580 // server -> client (response)
	RSDOBase   = 0x600 // client -> server (request)
	COBIDMask  = 0x780
	NodeIDMask = 0x7F
)

// Bits of the SDO command byte.
const (
	sdoE = 1 << 1 // expedited
	sdoS = 1 << 0 // size indicated
)

// SDO is one expedited SDO transfer, request or response.
type SDO struct {
	NodeID   uint8
	CCS      uint8
	Index    uint16
	SubIndex uint8
	Data     [4]byte
	DataLen  uint8
}

// Frame packs the SDO into an 8-byte request frame addressed to
// RSDO base + node id.
func (s *SDO) Frame() can.Frame {
	var f can.Frame
	f.ID = uint32(RSDOBase + uint16(s.NodeID))
	f.Len = 8
	f.Data[0] = s.CCS << 5
	if s.DataLen > 0 {
		f.Data[0] |= (4-s.DataLen)<<2 | sdoE | sdoS
		copy(f.Data[4:], s.Data[:s.DataLen])
	}
	binary.LittleEndian.PutUint16(f.Data[1:3], s.Index)
	f.Data[3] = s.SubIndex
	return f
}

// Decode interprets a received frame as a TSDO response. ok is false
// when the frame is not an 8-byte message on the TSDO channel.
func Decode(f *can.Frame) (SDO, bool) {
	var s SDO
	if f.Len != 8 {
		return s, false
	}
	if f.ID&COBIDMask != TSDOBase {
		return s, false
	}
	s.NodeID = uint8(f.ID & NodeIDMask)
	spec := f.Data[0]
	s.CCS = spec >> 5
	s.Index = binary.LittleEndian.Uint16(f.Data[1:3])
	s.SubIndex = f.Data[3]
	switch {
	case spec&sdoE != 0 && spec&sdoS != 0:
		s.DataLen = 4 - (spec>>2)&0x3
	case s.CCS == CCSAbort:
		s.DataLen = 4 // abort code
	default:
		s.DataLen = 0
	}
	copy(s.Data[:], f.Data[4:8])
	return s, true
}

// EncodeRead builds the request frame asking node nid for entry e.
func EncodeRead(e *Entry, nid uint8) can.Frame {
	s := SDO{
		NodeID:   nid,
		CCS:      CCSInitUpload,
		Index:    e.Index,
		SubIndex: e.SubIndex,
	}
	return s.Frame()
}

// EncodeWrite builds the request frame writing value into entry e of
// node nid. The value is truncated to the entry's declared size and
// stored little-endian.
func EncodeWrite(e *Entry, nid uint8, value int64) can.Frame {
	s := SDO{
		NodeID:   nid,
		CCS:      CCSInitDownload,
		Index:    e.Index,
		SubIndex: e.SubIndex,
		DataLen:  e.Size,
	}
	switch e.Size {
	case 1:
		s.Data[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(s.Data[:2], uint16(value))
	default:
		binary.LittleEndian.PutUint32(s.Data[:4], uint32(value))
	}
	return s.Frame()
}

// Value classifies an SDO answer against its dictionary entry.
// Exactly one of the three outcomes applies:
//   - abort response: abort=true, code is the 32-bit abort code;
//   - zero-length answer (a write acknowledge): zero=true;
//   - data answer: v holds the sign-extended value.
//
// A received length differing from the dictionary size is logged but
// the value is still decoded from the received length.
func (s *SDO) Value(e *Entry) (v int64, zero bool, abort bool, code uint32) {
	if s.CCS == CCSAbort {
		return 0, false, true, binary.LittleEndian.Uint32(s.Data[:4])
	}
	if s.DataLen == 0 {
		return 0, true, false, 0
	}
	if e != nil && s.DataLen != e.Size {
		logging.L().Warn("sdo_length_mismatch",
			"index", fmt.Sprintf("0x%04X", s.Index),
			"got", s.DataLen, "dict", e.Size)
	}
	signed := e != nil && e.Signed
	switch s.DataLen {
	case 1:
		if signed {
			v = int64(int8(s.Data[0]))
		} else {
			v = int64(s.Data[0])
		}
	case 4:
		u := binary.LittleEndian.Uint32(s.Data[:4])
		if signed {
			v = int64(int32(u))
		} else {
			v = int64(u)
		}
	default: // size 3 never occurs, fold into 2
		u := binary.LittleEndian.Uint16(s.Data[:2])
		if signed {
			v = int64(int16(u))
		} else {
			v = int64(u)
		}
	}
	return v, false, false, 0
}
