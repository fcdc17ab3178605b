// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: records.go — PicoQuant record types and word decoders
//
// Purpose:
//   - Maps TTResultFormat_TTTRRecType codes to a device family, the
//     timetag format it produces (T2 = Standard, T3 = Clocked) and a
//     32-bit word decoder.
//
// Notes:
//   - Decoders carry the overflow accumulator in *state; each overflow
//     word adds a device-specific wraparound period.
//   - T2 output: channel 0 is the sync input, detectors start at 1.
//   - T3 output: clock = overflow + nsync, delta = dtime, channel = detector.
//   - Marker words are consumed but never emitted.
// ─────────────────────────────────────────────────────────────────────────────

package ptu

import (
	"strconv"

	"tagring/timebase"
)

// Header tags consulted when building a buffer.
const (
	TagRecordType       = "TTResultFormat_TTTRRecType"
	TagNumRecords       = "TTResult_NumberOfRecords"
	TagInputChannels    = "HW_InpChannels"
	TagResolution       = "MeasDesc_Resolution"
	TagGlobalResolution = "MeasDesc_GlobalResolution"
)

// RecordType is a hardware/record-format code.
type RecordType uint32

const (
	PicoHarpT3     RecordType = 0x00010303
	PicoHarpT2     RecordType = 0x00010203
	HydraHarpT3    RecordType = 0x00010304
	HydraHarpT2    RecordType = 0x00010204
	HydraHarp2T3   RecordType = 0x01010304
	HydraHarp2T2   RecordType = 0x01010204
	TimeHarp260NT3 RecordType = 0x00010305
	TimeHarp260NT2 RecordType = 0x00010205
	TimeHarp260PT3 RecordType = 0x00010306
	TimeHarp260PT2 RecordType = 0x00010206
	MultiHarpNT3   RecordType = 0x00010307
	MultiHarpNT2   RecordType = 0x00010207
)

// Wraparound periods, in T2 timetag units or T3 sync periods.
const (
	picoT2Wrap    = 210698240
	picoT3Wrap    = 65536
	hydraT2WrapV1 = 33552000
	hydraT2WrapV2 = 33554432
	hydraT3Wrap   = 1024
)

// state is the decoder's running position in the record stream.
type state struct {
	overflow  uint64 // accumulated wraparound
	overflows uint64 // overflow words seen
	markers   uint64 // marker words skipped
}

// decodeFunc turns one word into a record. ok is false for overflow and
// marker words.
type decodeFunc func(word uint32, st *state) (rec timebase.Record, ok bool)

type device struct {
	name   string
	format timebase.Format
	decode decodeFunc
}

var devices = map[RecordType]device{
	PicoHarpT2:     {"PicoHarpT2", timebase.Standard, decodePicoT2},
	PicoHarpT3:     {"PicoHarpT3", timebase.Clocked, decodePicoT3},
	HydraHarpT2:    {"HydraHarpT2", timebase.Standard, decodeHydraT2V1},
	HydraHarpT3:    {"HydraHarpT3", timebase.Clocked, decodeHydraT3V1},
	HydraHarp2T2:   {"HydraHarp2T2", timebase.Standard, decodeHydraT2V2},
	HydraHarp2T3:   {"HydraHarp2T3", timebase.Clocked, decodeHydraT3V2},
	TimeHarp260NT2: {"TimeHarp260NT2", timebase.Standard, decodeHydraT2V2},
	TimeHarp260NT3: {"TimeHarp260NT3", timebase.Clocked, decodeHydraT3V2},
	TimeHarp260PT2: {"TimeHarp260PT2", timebase.Standard, decodeHydraT2V2},
	TimeHarp260PT3: {"TimeHarp260PT3", timebase.Clocked, decodeHydraT3V2},
	MultiHarpNT2:   {"MultiHarpNT2", timebase.Standard, decodeHydraT2V2},
	MultiHarpNT3:   {"MultiHarpNT3", timebase.Clocked, decodeHydraT3V2},
}

func (t RecordType) String() string {
	if d, ok := devices[t]; ok {
		return d.name
	}
	return "RecordType(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// Format is the timetag format records of this type decode to. ok is
// false for unknown codes.
func (t RecordType) Format() (f timebase.Format, ok bool) {
	d, ok := devices[t]
	return d.format, ok
}

///////////////////////////////////////////////////////////////////////////////
// PicoHarp 300 (record version 0)
///////////////////////////////////////////////////////////////////////////////

// decodePicoT2: ch[31:28] tt[27:0]. ch 0xF is special; low nibble 0 marks
// an overflow, anything else a marker.
func decodePicoT2(w uint32, st *state) (timebase.Record, bool) {
	ch := w >> 28
	tt := uint64(w & 0x0FFFFFFF)
	if ch == 0xF {
		if tt&0xF == 0 {
			st.overflow += picoT2Wrap
			st.overflows++
		} else {
			st.markers++
		}
		return timebase.Record{}, false
	}
	return timebase.Record{Channel: uint8(ch), Timestamp: st.overflow + tt}, true
}

// decodePicoT3: ch[31:28] dtime[27:16] nsync[15:0]. ch 0xF with dtime 0
// is an overflow, otherwise a marker.
func decodePicoT3(w uint32, st *state) (timebase.Record, bool) {
	ch := w >> 28
	dtime := uint64((w >> 16) & 0x0FFF)
	nsync := uint64(w & 0xFFFF)
	if ch == 0xF {
		if dtime == 0 {
			st.overflow += picoT3Wrap
			st.overflows++
		} else {
			st.markers++
		}
		return timebase.Record{}, false
	}
	return timebase.Record{Channel: uint8(ch), Clock: st.overflow + nsync, Delta: dtime}, true
}

///////////////////////////////////////////////////////////////////////////////
// HydraHarp family: special[31] ch[30:25] ...
///////////////////////////////////////////////////////////////////////////////

// hydraT2 decodes special[31] ch[30:25] tt[24:0]. Overflow words add wrap
// once (v1) or wrap·tt with tt 0 counting as 1 (v2).
//
//go:inline
func hydraT2(w uint32, st *state, wrap uint64, multi bool) (timebase.Record, bool) {
	special := w >> 31
	ch := (w >> 25) & 0x3F
	tt := uint64(w & 0x01FFFFFF)
	if special == 1 {
		switch {
		case ch == 0x3F:
			n := uint64(1)
			if multi && tt != 0 {
				n = tt
			}
			st.overflow += wrap * n
			st.overflows++
			return timebase.Record{}, false
		case ch == 0:
			return timebase.Record{Channel: 0, Timestamp: st.overflow + tt}, true
		}
		st.markers++
		return timebase.Record{}, false
	}
	return timebase.Record{Channel: uint8(ch + 1), Timestamp: st.overflow + tt}, true
}

func decodeHydraT2V1(w uint32, st *state) (timebase.Record, bool) {
	return hydraT2(w, st, hydraT2WrapV1, false)
}

func decodeHydraT2V2(w uint32, st *state) (timebase.Record, bool) {
	return hydraT2(w, st, hydraT2WrapV2, true)
}

// hydraT3 decodes special[31] ch[30:25] dtime[24:10] nsync[9:0].
//
//go:inline
func hydraT3(w uint32, st *state, multi bool) (timebase.Record, bool) {
	special := w >> 31
	ch := (w >> 25) & 0x3F
	dtime := uint64((w >> 10) & 0x7FFF)
	nsync := uint64(w & 0x3FF)
	if special == 1 {
		if ch == 0x3F {
			n := uint64(1)
			if multi && nsync != 0 {
				n = nsync
			}
			st.overflow += hydraT3Wrap * n
			st.overflows++
		} else {
			st.markers++
		}
		return timebase.Record{}, false
	}
	return timebase.Record{Channel: uint8(ch), Clock: st.overflow + nsync, Delta: dtime}, true
}

func decodeHydraT3V1(w uint32, st *state) (timebase.Record, bool) { return hydraT3(w, st, false) }
func decodeHydraT3V2(w uint32, st *state) (timebase.Record, bool) { return hydraT3(w, st, true) }
