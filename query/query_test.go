package query

import (
	"errors"
	"math"
	"sort"
	"testing"
	"testing/quick"

	"tagring/ringstore"
	"tagring/tagerr"
	"tagring/timebase"
)

// ============================================================================
// HELPERS
// ============================================================================

func newStore(t testing.TB, cfg ringstore.Config) *ringstore.Store {
	t.Helper()
	if cfg.Capacity == 0 {
		cfg.Capacity = 1 << 14
	}
	if cfg.Format == 0 {
		cfg.Format = timebase.Standard
	}
	if cfg.Resolution == 0 {
		cfg.Resolution = 1
	}
	s, err := ringstore.Create("q", cfg, ringstore.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func push(t testing.TB, s *ringstore.Store, ch []uint8, ts []uint64) {
	t.Helper()
	if _, err := s.Push(timebase.StandardRecords(ch, ts)); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

type event struct {
	ch uint8
	t  uint64
}

func pushEvents(t testing.TB, s *ringstore.Store, evs []event) {
	t.Helper()
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].t < evs[j].t })
	ch := make([]uint8, len(evs))
	ts := make([]uint64, len(evs))
	for i, ev := range evs {
		ch[i], ts[i] = ev.ch, ev.t
	}
	push(t, s, ch, ts)
}

// ============================================================================
// SINGLES & TIMETRACE
// ============================================================================

func TestSinglesEmpty(t *testing.T) {
	e := New(newStore(t, ringstore.Config{ChannelCount: 4}))
	got, err := e.Singles(1)
	if err != nil {
		t.Fatalf("Singles: %v", err)
	}
	if got.Total != 0 || len(got.PerChannel) != 4 {
		t.Fatalf("Singles = %+v", got)
	}
	for _, v := range got.PerChannel {
		if v != 0 {
			t.Fatalf("non-zero channel in empty buffer: %v", got.PerChannel)
		}
	}
}

func TestSingles(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	push(t, s, []uint8{0, 1, 1, 2, 1, 0}, []uint64{1, 2, 3, 10, 11, 12})
	e := New(s)

	all, _ := e.Singles(0)
	if all.Total != 6 || all.PerChannel[0] != 2 || all.PerChannel[1] != 3 || all.PerChannel[2] != 1 {
		t.Fatalf("Singles(all) = %+v", all)
	}
	recent, _ := e.Singles(2) // times >= 10
	if recent.Total != 3 || recent.PerChannel[1] != 1 || recent.PerChannel[2] != 1 {
		t.Fatalf("Singles(2) = %+v", recent)
	}
	part, err := e.SinglesRange(1, 3)
	if err != nil || part.Total != 2 || part.PerChannel[1] != 2 {
		t.Fatalf("SinglesRange(1,3) = %+v, %v", part, err)
	}
	if _, err := e.SinglesRange(2, 9); !errors.Is(err, tagerr.OutOfRange) {
		t.Fatalf("SinglesRange out of range err = %v", err)
	}
}

func TestSinglesConservation(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 8, Capacity: 64})
	ch := make([]uint8, 200)
	ts := make([]uint64, 200)
	for i := range ch {
		ch[i] = uint8(i*7) % 8
		ts[i] = uint64(i)
	}
	push(t, s, ch, ts)
	e := New(s)
	begin, stop := s.Span()
	f := func(a, b uint8) bool {
		lo := begin + uint64(a)%(stop-begin+1)
		hi := begin + uint64(b)%(stop-begin+1)
		if lo > hi {
			lo, hi = hi, lo
		}
		got, err := e.SinglesRange(lo, hi)
		if err != nil {
			return false
		}
		var sum uint64
		for _, v := range got.PerChannel {
			sum += v
		}
		return sum == got.Total && got.Total == hi-lo
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestTimetrace(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	// newest = 19, readTime 10, bin 2 → 4 bins covering [12,20).
	pushEvents(t, s, []event{
		{1, 5}, {1, 12}, {2, 13}, {1, 14}, {0, 15}, {1, 17}, {2, 18}, {1, 19},
	})
	e := New(s)
	trace, err := e.Timetrace([]uint8{1, 2}, 10, 2)
	if err != nil {
		t.Fatalf("Timetrace: %v", err)
	}
	want := []uint64{2, 1, 1, 2}
	if len(trace) != len(want) {
		t.Fatalf("len = %d, want %d", len(trace), len(want))
	}
	for k := range want {
		if trace[k] != want[k] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}

	if _, err := e.Timetrace([]uint8{1}, 1.4, 1); !errors.Is(err, tagerr.NoData) {
		t.Fatalf("short window err = %v", err)
	}
	if _, err := e.Timetrace([]uint8{5}, 10, 2); !errors.Is(err, tagerr.Value) {
		t.Fatalf("bad channel err = %v", err)
	}
	if _, err := e.Timetrace([]uint8{1}, 10, 0.1); !errors.Is(err, tagerr.Value) {
		t.Fatalf("sub-resolution bin err = %v", err)
	}
}

// ============================================================================
// COINCIDENCES
// ============================================================================

func TestCoincidenceScenario(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	push(t, s, []uint8{1, 2, 1, 2}, []uint64{10, 11, 20, 21})
	e := New(s)
	q := CoincidenceQuery{Window: 2, Channels: []uint8{1, 2}}
	n, err := e.CoincidenceCount(q)
	if err != nil || n != 2 {
		t.Fatalf("CoincidenceCount = %d, %v; want 2", n, err)
	}
	again, _ := e.CoincidenceCount(q)
	if again != n {
		t.Fatalf("re-run gave %d, want %d", again, n)
	}
}

func TestCoincidenceCases(t *testing.T) {
	tests := []struct {
		name string
		evs  []event
		q    CoincidenceQuery
		want uint64
	}{
		{
			name: "outside window",
			evs:  []event{{1, 10}, {2, 20}, {1, 30}, {2, 40}},
			q:    CoincidenceQuery{Window: 5, Channels: []uint8{1, 2}},
			want: 0,
		},
		{
			name: "consume once",
			evs:  []event{{1, 10}, {2, 11}, {2, 12}},
			q:    CoincidenceQuery{Window: 5, Channels: []uint8{1, 2}},
			want: 1,
		},
		{
			name: "most recent candidate",
			evs:  []event{{1, 10}, {1, 50}, {2, 51}},
			q:    CoincidenceQuery{Window: 2, Channels: []uint8{1, 2}},
			want: 1,
		},
		{
			name: "self coincidence",
			evs:  []event{{1, 10}, {1, 11}, {1, 30}, {1, 31}, {1, 60}},
			q:    CoincidenceQuery{Window: 2, Channels: []uint8{1, 1}},
			want: 2,
		},
		{
			name: "three fold",
			evs:  []event{{0, 100}, {1, 101}, {2, 103}, {0, 200}, {1, 250}, {2, 251}},
			q:    CoincidenceQuery{Window: 3, Channels: []uint8{0, 1, 2}},
			want: 1,
		},
		{
			name: "delay aligns",
			evs:  []event{{1, 100}, {2, 200}, {1, 300}, {2, 400}},
			q:    CoincidenceQuery{Window: 2, Channels: []uint8{1, 2}, Delays: []float64{0, -100}},
			want: 2,
		},
		{
			name: "read time restricts",
			evs:  []event{{1, 10}, {2, 11}, {1, 100}, {2, 101}},
			q:    CoincidenceQuery{ReadTime: 5, Window: 2, Channels: []uint8{1, 2}},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, ringstore.Config{ChannelCount: 3})
			pushEvents(t, s, tt.evs)
			got, err := New(s).CoincidenceCount(tt.q)
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Fatalf("count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCoincidenceValidation(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 2})
	push(t, s, []uint8{0, 1}, []uint64{1, 2})
	e := New(s)
	tests := []struct {
		name string
		q    CoincidenceQuery
		kind tagerr.Kind
	}{
		{"no channels", CoincidenceQuery{Window: 1}, tagerr.Value},
		{"zero window", CoincidenceQuery{Channels: []uint8{0, 1}}, tagerr.Value},
		{"negative window", CoincidenceQuery{Window: -1, Channels: []uint8{0, 1}}, tagerr.Value},
		{"channel id", CoincidenceQuery{Window: 1, Channels: []uint8{0, 2}}, tagerr.Value},
		{"too many", CoincidenceQuery{Window: 1, Channels: []uint8{0, 1, 1}}, tagerr.Value},
		{"delays", CoincidenceQuery{Window: 1, Channels: []uint8{0, 1}, Delays: []float64{0}}, tagerr.LengthMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CoincidenceCount(tt.q); !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %q", err, tt.kind)
			}
		})
	}
}

func TestCoincidenceCollect(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	pushEvents(t, s, []event{{2, 10}, {1, 11}, {0, 50}, {1, 100}, {2, 101}})
	res, err := New(s).CoincidenceCollect(CoincidenceQuery{Window: 2, Channels: []uint8{1, 2}})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Count != 2 || res.Records.Len() != 4 || len(res.Indices) != 4 {
		t.Fatalf("collect = %+v", res)
	}
	wantCh := []uint8{1, 2, 1, 2}
	wantTs := []uint64{11, 10, 100, 101}
	for k := range wantCh {
		if res.Records.Channels[k] != wantCh[k] || res.Records.Timestamps[k] != wantTs[k] {
			t.Fatalf("record %d = ch %d ts %d", k, res.Records.Channels[k], res.Records.Timestamps[k])
		}
	}
}

// ============================================================================
// JOINT HISTOGRAM
// ============================================================================

func heraldedPairs(n int, sig, idler int64) []event {
	var evs []event
	for k := 0; k < n; k++ {
		base := uint64(1000 + k*1000)
		evs = append(evs,
			event{0, base},
			event{1, uint64(int64(base) + sig)},
			event{2, uint64(int64(base) + idler)},
		)
	}
	return evs
}

func TestJointHistogramStandard(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	pushEvents(t, s, heraldedPairs(50, 3, 5))
	e := New(s)
	q := HistogramQuery{
		CoincidenceQuery: CoincidenceQuery{Window: 10, Channels: []uint8{0, 1, 2}},
		Signal:           1,
		Idler:            2,
		Clock:            0,
		Radius:           8,
	}
	h, err := e.JointHistogram(q)
	if err != nil {
		t.Fatalf("JointHistogram: %v", err)
	}
	count, _ := e.CoincidenceCount(q.CoincidenceQuery)
	if h.Total() != count || count != 50 {
		t.Fatalf("mass = %d, coincidences = %d", h.Total(), count)
	}
	if h.TemporalWindow != 16 || h.CentralBin != 8 {
		t.Fatalf("shape = %d/%d", h.TemporalWindow, h.CentralBin)
	}
	if h.Data[8+3][8+5] != 50 {
		t.Fatalf("peak not at (+3,+5)")
	}
	if h.MarginalSignal[11] != 50 || h.MarginalIdler[13] != 50 {
		t.Fatalf("marginals wrong")
	}
	if h.AxisSignal[8] != 0 || h.AxisSignal[11] != 3 {
		t.Fatalf("axis = %v", h.AxisSignal)
	}

	q.BinWidth = 2
	rb, _ := e.JointHistogram(q)
	if rb.TemporalWindow != 8 || rb.CentralBin != 4 || rb.BinSize != [2]uint32{2, 2} {
		t.Fatalf("rebinned shape = %d/%d/%v", rb.TemporalWindow, rb.CentralBin, rb.BinSize)
	}
	if rb.Total() != 50 || rb.Data[5][6] != 50 {
		t.Fatalf("rebinned mass/placement wrong")
	}
	if rb.AxisIdler[5] != 2 {
		t.Fatalf("rebinned axis = %v", rb.AxisIdler)
	}

	q.BinWidth = 1
	q.Centre = true
	c, _ := e.JointHistogram(q)
	if c.Shift != [2]int{-3, -5} || c.Data[8][8] != 50 || c.Total() != 50 {
		t.Fatalf("centre shift = %v", c.Shift)
	}
}

func TestJointHistogramDropsOutOfRange(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	evs := append(heraldedPairs(10, 2, 3), heraldedPairs(5, 2, 30)...)
	for k := 10; k < 15; k++ {
		for j := 0; j < 3; j++ {
			evs[k*3+j].t += 100000
		}
	}
	pushEvents(t, s, evs)
	h, err := New(s).JointHistogram(HistogramQuery{
		CoincidenceQuery: CoincidenceQuery{Window: 40, Channels: []uint8{0, 1, 2}},
		Signal:           1, Idler: 2, Clock: 0, Radius: 8,
	})
	if err != nil {
		t.Fatalf("JointHistogram: %v", err)
	}
	if h.Coincidences != 15 || h.Total() != 10 {
		t.Fatalf("coincidences %d, mass %d", h.Coincidences, h.Total())
	}
}

func TestJointHistogramEmpty(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	push(t, s, []uint8{1}, []uint64{5})
	h, err := New(s).JointHistogram(HistogramQuery{
		CoincidenceQuery: CoincidenceQuery{Window: 1, Channels: []uint8{0, 1, 2}},
		Signal:           1, Idler: 2, Clock: 0, Radius: 4, Centre: true,
	})
	if err != nil {
		t.Fatalf("empty histogram must not fail: %v", err)
	}
	if h.Total() != 0 || len(h.Data) != 8 {
		t.Fatalf("histogram = %+v", h)
	}
}

func TestJointHistogramValidation(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	e := New(s)
	tests := []HistogramQuery{
		{CoincidenceQuery: CoincidenceQuery{Window: 1}, Signal: 1, Idler: 2, Clock: NoClock, Radius: 4},
		{CoincidenceQuery: CoincidenceQuery{Window: 1}, Signal: 1, Idler: 2, Clock: 0, Radius: 0.1},
		{CoincidenceQuery: CoincidenceQuery{Window: 1, Channels: []uint8{1, 2}}, Signal: 1, Idler: 2, Clock: 0, Radius: 4},
	}
	for i, q := range tests {
		if _, err := e.JointHistogram(q); !errors.Is(err, tagerr.Value) {
			t.Fatalf("case %d err = %v", i, err)
		}
	}
}

func TestJointHistogramClocked(t *testing.T) {
	s := newStore(t, ringstore.Config{
		Format: timebase.Clocked, ChannelCount: 3, Resolution: 1, ClockPeriod: 100,
	})
	var ch []uint8
	var clocks, deltas []uint64
	for k := uint64(0); k < 20; k++ {
		ch = append(ch, 1, 2)
		clocks = append(clocks, k, k)
		deltas = append(deltas, 2, 4)
	}
	if _, err := s.Push(timebase.ClockedRecords(ch, clocks, deltas)); err != nil {
		t.Fatal(err)
	}
	h, err := New(s).JointHistogram(HistogramQuery{
		CoincidenceQuery: CoincidenceQuery{Window: 5},
		Signal:           1, Idler: 2, Clock: NoClock, Radius: 6,
	})
	if err != nil {
		t.Fatalf("JointHistogram: %v", err)
	}
	if h.Total() != 20 || h.Data[2][4] != 20 {
		t.Fatalf("clocked histogram mass %d", h.Total())
	}
	if h.Origin != 0 || h.AxisSignal[0] != 0 || h.AxisSignal[2] != 2 {
		t.Fatalf("clocked axis origin %d, axis %v", h.Origin, h.AxisSignal[:3])
	}
}

func TestJointHistogramClockedDeltasAboveRadius(t *testing.T) {
	s := newStore(t, ringstore.Config{
		Format: timebase.Clocked, ChannelCount: 3, Resolution: 1, ClockPeriod: 100,
	})
	var ch []uint8
	var clocks, deltas []uint64
	for k := uint64(0); k < 10; k++ {
		ch = append(ch, 1, 2)
		clocks = append(clocks, k, k)
		deltas = append(deltas, 50, 60)
	}
	if _, err := s.Push(timebase.ClockedRecords(ch, clocks, deltas)); err != nil {
		t.Fatal(err)
	}
	h, err := New(s).JointHistogram(HistogramQuery{
		CoincidenceQuery: CoincidenceQuery{Window: 20},
		Signal:           1, Idler: 2, Clock: NoClock, Radius: 40,
	})
	if err != nil {
		t.Fatalf("JointHistogram: %v", err)
	}
	if h.Coincidences != 10 || h.TemporalWindow != 80 {
		t.Fatalf("coincidences=%d side=%d", h.Coincidences, h.TemporalWindow)
	}
	if h.Total() != h.Coincidences || h.Data[50][60] != 10 {
		t.Fatalf("histogram mass %d, want %d at (50,60)", h.Total(), h.Coincidences)
	}
	if h.AxisSignal[50] != 50 || h.AxisIdler[60] != 60 {
		t.Fatalf("axes %g/%g", h.AxisSignal[50], h.AxisIdler[60])
	}
}

func TestRebinTruncates(t *testing.T) {
	h := &JointHistogram{TemporalWindow: 5, CentralBin: 2, BinSize: [2]uint32{1, 1}}
	h.Data = make([][]uint64, 5)
	for i := range h.Data {
		h.Data[i] = []uint64{1, 1, 1, 1, 1}
	}
	h.Rebin(2)
	if len(h.Data) != 2 || h.Data[1][1] != 4 || h.Total() != 16 {
		t.Fatalf("rebin = %v", h.Data)
	}
}

// ============================================================================
// RELATIVE DELAY
// ============================================================================

// decayPairs builds pairs whose b - a offsets follow a double exponential
// peaked at t0 with the given decay constants, one pair per 500 bins.
func decayPairs(t0, tau1, tau2, peak float64) []event {
	var evs []event
	base := int64(1000)
	for x := -60; x <= 120; x++ {
		tau := tau1
		if x >= 0 {
			tau = tau2
		}
		n := int(math.Round(peak * math.Exp(-math.Abs(float64(x))/tau)))
		for k := 0; k < n; k++ {
			evs = append(evs, event{1, uint64(base)}, event{2, uint64(base + int64(t0) + int64(x))})
			base += 500
		}
	}
	return evs
}

func TestFindDelayStandard(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3, Capacity: 1 << 15})
	pushEvents(t, s, decayPairs(40, 5, 10, 200))
	e := New(s)
	res, err := e.FindDelay(DelayQuery{A: 1, B: 2, ReadTime: 1e7, Resolution: 1, Window: 200})
	if err != nil {
		t.Fatalf("FindDelay: %v", err)
	}
	if len(res.Times) != 2*199 || len(res.Intensities) != len(res.Times) || len(res.Fit) != len(res.Times) {
		t.Fatalf("lengths %d/%d/%d", len(res.Times), len(res.Intensities), len(res.Fit))
	}
	if math.Abs(res.T0-40) > 1.5 {
		t.Fatalf("T0 = %g, want ~40", res.T0)
	}
	if math.Abs(res.Tau1-5) > 1.5 || math.Abs(res.Tau2-10) > 2 {
		t.Fatalf("tau1/tau2 = %g/%g", res.Tau1, res.Tau2)
	}
	if math.Abs(res.MaxIntensity-200) > 30 {
		t.Fatalf("max intensity = %g", res.MaxIntensity)
	}
	if res.CentralDelay != res.T0 {
		t.Fatalf("standard central delay %g != T0 %g", res.CentralDelay, res.T0)
	}
}

func TestFindDelayErrors(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	e := New(s)
	if _, err := e.FindDelay(DelayQuery{A: 1, B: 1, ReadTime: 1, Resolution: 1}); !errors.Is(err, tagerr.Value) {
		t.Fatalf("same channel err = %v", err)
	}
	if _, err := e.FindDelay(DelayQuery{A: 1, B: 2, ReadTime: 1, Resolution: 1}); !errors.Is(err, tagerr.NoData) {
		t.Fatalf("empty buffer err = %v", err)
	}
	push(t, s, []uint8{1, 2}, []uint64{1, 100000})
	if _, err := e.FindDelay(DelayQuery{A: 1, B: 2, ReadTime: 1e6, Resolution: 1, Window: 50}); !errors.Is(err, tagerr.NoData) {
		t.Fatalf("no pairs err = %v", err)
	}
	if _, err := e.FindDelay(DelayQuery{A: 1, B: 2, ReadTime: 1e6, Resolution: 1, Window: 1.2}); !errors.Is(err, tagerr.NoData) {
		t.Fatalf("tiny window err = %v", err)
	}
}

func TestDeltaCentre(t *testing.T) {
	s := newStore(t, ringstore.Config{
		Format: timebase.Clocked, ChannelCount: 2, Resolution: 1e-12, ClockPeriod: 1e-9,
	})
	var ch []uint8
	var clocks, deltas []uint64
	add := func(n int, delta uint64) {
		for k := 0; k < n; k++ {
			ch = append(ch, 1)
			clocks = append(clocks, uint64(len(clocks)))
			deltas = append(deltas, delta)
		}
	}
	add(10, 100)
	add(10, 102)
	add(2, 500)
	if _, err := s.Push(timebase.ClockedRecords(ch, clocks, deltas)); err != nil {
		t.Fatal(err)
	}
	begin, stop := s.Span()
	got := New(s).deltaCentre(begin, stop, 1)
	if math.Abs(got-101e-12) > 1e-18 {
		t.Fatalf("deltaCentre = %g, want 101ps", got)
	}
}

func TestPairHistogram(t *testing.T) {
	s := newStore(t, ringstore.Config{ChannelCount: 3})
	pushEvents(t, s, []event{{1, 100}, {2, 103}, {2, 1000}, {1, 1002}, {1, 5000}})
	begin, stop := s.Span()
	hist := New(s).pairHistogram(begin, stop, 1, 2, 1, 10)
	if hist[10+3] != 1 || hist[10-2] != 1 {
		t.Fatalf("hist = %v", hist)
	}
	var total uint64
	for _, v := range hist {
		total += v
	}
	if total != 2 {
		t.Fatalf("total = %d", total)
	}
}

func BenchmarkCoincidenceCount(b *testing.B) {
	s := newStore(b, ringstore.Config{ChannelCount: 4, Capacity: 1 << 16})
	ch := make([]uint8, 1<<16)
	ts := make([]uint64, 1<<16)
	for i := range ch {
		ch[i] = uint8(i % 4)
		ts[i] = uint64(i * 3)
	}
	push(b, s, ch, ts)
	e := New(s)
	q := CoincidenceQuery{Window: 10, Channels: []uint8{0, 1, 2, 3}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.CoincidenceCount(q)
	}
}
