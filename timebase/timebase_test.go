package timebase

import (
	"errors"
	"math"
	"testing"
	"testing/quick"

	"tagring/tagerr"
)

// ============================================================================
// CONVERSIONS
// ============================================================================

func TestTimeOf(t *testing.T) {
	tests := []struct {
		name string
		base Base
		rec  Record
		want float64
	}{
		{"standard zero", Base{Format: Standard, Resolution: 1e-12}, Record{Timestamp: 0}, 0},
		{"standard", Base{Format: Standard, Resolution: 1e-12}, Record{Timestamp: 5000}, 5e-9},
		{"clocked", Base{Format: Clocked, Resolution: 1e-12, ClockPeriod: 12.5e-9}, Record{Clock: 2, Delta: 100}, 2*12.5e-9 + 100e-12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.base.TimeOf(tt.rec)
			if math.Abs(got-tt.want) > 1e-21 {
				t.Fatalf("TimeOf = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestBinsFromTime(t *testing.T) {
	tests := []struct {
		res, sec float64
		want     uint64
	}{
		{1, 0, 0},
		{1, 2.4, 2},
		{1, 2.5, 3},
		{1e-12, 1e-9, 1000},
		{1, -3, 0},
	}
	for _, tt := range tests {
		if got := BinsFromTime(tt.res, tt.sec); got != tt.want {
			t.Errorf("BinsFromTime(%g, %g) = %d, want %d", tt.res, tt.sec, got, tt.want)
		}
	}
	if got := SignedBins(1e-12, -2e-12); got != -2 {
		t.Errorf("SignedBins = %d, want -2", got)
	}
}

func TestStandardRoundTrip(t *testing.T) {
	const res = 1e-12
	f := func(ts uint32) bool {
		b := Base{Format: Standard, Resolution: res}
		return BinsFromTime(res, b.TimeOf(Record{Timestamp: uint64(ts)})) == uint64(ts)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestClockedRoundTrip(t *testing.T) {
	b := Base{Format: Clocked, Resolution: 1e-12, ClockPeriod: 12.5e-9}
	period := b.PeriodBins()
	if period != 12500 {
		t.Fatalf("PeriodBins = %d, want 12500", period)
	}
	f := func(clock uint16, delta uint16) bool {
		r := Record{Clock: uint64(clock), Delta: uint64(delta) % period}
		return BinsFromTime(b.Resolution, b.TimeOf(r)) == b.BinsOf(r)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range []Format{Standard, Clocked} {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Fatalf("ParseFormat(%q) = %v, %v", f.String(), got, err)
		}
	}
	if _, err := ParseFormat("bogus"); !errors.Is(err, tagerr.Value) {
		t.Fatalf("ParseFormat(bogus) err = %v", err)
	}
}

// ============================================================================
// RECORD COLUMNS
// ============================================================================

func TestRecordsCheck(t *testing.T) {
	tests := []struct {
		name string
		recs Records
		f    Format
		kind tagerr.Kind
	}{
		{"ok standard", StandardRecords([]uint8{1}, []uint64{1}), Standard, ""},
		{"ok clocked", ClockedRecords([]uint8{1}, []uint64{1}, []uint64{2}), Clocked, ""},
		{"empty", StandardRecords(nil, nil), Standard, tagerr.EmptyPush},
		{"mismatch", StandardRecords([]uint8{1, 2}, []uint64{1}), Standard, tagerr.LengthMismatch},
		{"clocked mismatch", ClockedRecords([]uint8{1}, []uint64{1}, nil), Clocked, tagerr.LengthMismatch},
		{"wrong format", StandardRecords([]uint8{1}, []uint64{1}), Clocked, tagerr.Value},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.recs.Check(tt.f)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want kind %q", err, tt.kind)
			}
		})
	}
}

func TestRecordsAppendAt(t *testing.T) {
	r := NewRecords(Clocked, 0)
	r.Append(Record{Channel: 3, Clock: 7, Delta: 9})
	r.Append(Record{Channel: 1, Clock: 8, Delta: 2})
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
	if got := r.At(1); got != (Record{Channel: 1, Clock: 8, Delta: 2}) {
		t.Fatalf("At(1) = %+v", got)
	}
	r.Set(0, Record{Channel: 4, Clock: 1, Delta: 1})
	if r.Channels[0] != 4 || r.Clocks[0] != 1 {
		t.Fatalf("Set did not store record")
	}
}
