// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: timebase.go — Record formats and bin/second arithmetic
//
// Purpose:
//   - Names the two timetag encodings (Standard, Clocked).
//   - Converts between integer bins and seconds for both of them.
//
// Notes:
//   - Every function here is pure. Float overflow is not guarded.
//   - Base is the thin per-format adapter the query engine works through,
//     so no algorithm downstream branches on Format.
// ─────────────────────────────────────────────────────────────────────────────

package timebase

import (
	"math"

	"tagring/tagerr"
)

///////////////////////////////////////////////////////////////////////////////
// Formats
///////////////////////////////////////////////////////////////////////////////

// Format tags the record encoding of a buffer.
type Format uint8

const (
	// Standard records carry one flat timestamp in bins of Resolution.
	Standard Format = 1
	// Clocked records carry a coarse clock count (periods of ClockPeriod)
	// plus a fine delta in bins of Resolution.
	Clocked Format = 2
)

func (f Format) String() string {
	switch f {
	case Standard:
		return "Standard"
	case Clocked:
		return "Clocked"
	}
	return "Unknown"
}

// Valid reports whether f names a known encoding.
func (f Format) Valid() bool { return f == Standard || f == Clocked }

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "Standard", "standard", "T2", "t2":
		return Standard, nil
	case "Clocked", "clocked", "T3", "t3":
		return Clocked, nil
	}
	return 0, tagerr.New(tagerr.Value, "timebase.ParseFormat", s, "unknown record format")
}

///////////////////////////////////////////////////////////////////////////////
// Conversions
///////////////////////////////////////////////////////////////////////////////

// StandardTime returns timestamp × resolution.
//
//go:nosplit
//go:inline
func StandardTime(timestamp uint64, resolution float64) float64 {
	return float64(timestamp) * resolution
}

// ClockedTime returns clock × clockPeriod + delta × resolution.
//
//go:nosplit
//go:inline
func ClockedTime(clock, delta uint64, resolution, clockPeriod float64) float64 {
	return float64(clock)*clockPeriod + float64(delta)*resolution
}

// BinsFromTime rounds seconds/resolution to the nearest bin. Negative
// inputs clamp to zero; use SignedBins for offsets.
//
//go:nosplit
//go:inline
func BinsFromTime(resolution, seconds float64) uint64 {
	b := math.Round(seconds / resolution)
	if b <= 0 {
		return 0
	}
	return uint64(b)
}

// SignedBins rounds seconds/resolution to the nearest bin keeping the sign.
//
//go:nosplit
//go:inline
func SignedBins(resolution, seconds float64) int64 {
	return int64(math.Round(seconds / resolution))
}

// ClockPeriodBins is the number of fine bins in one clock period.
func ClockPeriodBins(resolution, clockPeriod float64) uint64 {
	return BinsFromTime(resolution, clockPeriod)
}

///////////////////////////////////////////////////////////////////////////////
// Per-format adapter
///////////////////////////////////////////////////////////////////////////////

// Record is one timetag. Timestamp is meaningful for Standard buffers,
// Clock and Delta for Clocked ones.
type Record struct {
	Channel   uint8
	Timestamp uint64
	Clock     uint64
	Delta     uint64
}

// Base couples a format with its time constants.
type Base struct {
	Format      Format
	Resolution  float64 // seconds per fine bin
	ClockPeriod float64 // seconds per clock tick, Clocked only
}

// PeriodBins is ClockPeriodBins for b, or 0 for Standard buffers.
func (b Base) PeriodBins() uint64 {
	if b.Format != Clocked || b.Resolution <= 0 {
		return 0
	}
	return ClockPeriodBins(b.Resolution, b.ClockPeriod)
}

// TimeOf converts r to seconds.
func (b Base) TimeOf(r Record) float64 {
	if b.Format == Clocked {
		return ClockedTime(r.Clock, r.Delta, b.Resolution, b.ClockPeriod)
	}
	return StandardTime(r.Timestamp, b.Resolution)
}

// BinsOf flattens r onto the fine-bin axis. Clocked records map to
// clock × PeriodBins + delta.
func (b Base) BinsOf(r Record) uint64 {
	if b.Format == Clocked {
		return r.Clock*b.PeriodBins() + r.Delta
	}
	return r.Timestamp
}

// Bins is BinsFromTime at the buffer's own resolution.
func (b Base) Bins(seconds float64) uint64 { return BinsFromTime(b.Resolution, seconds) }
