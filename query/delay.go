package query

import (
	"math"

	"tagring/debug"
	"tagring/fit"
	"tagring/tagerr"
	"tagring/timebase"
)

// maxDelayBins bounds each side of the pairwise delay histogram.
const maxDelayBins = 1 << 22

// DelayQuery describes a relative delay estimate between two channels.
type DelayQuery struct {
	A, B       uint8
	ReadTime   float64 // seconds back from the newest record, must be > 0
	Resolution float64 // histogram bin width in seconds
	Window     float64 // correlation window in seconds, 0 for the default
}

// DelayResult is the pairwise delay histogram and its double-exponential
// fit. All times are in seconds.
type DelayResult struct {
	Times        []float64 // left edge of each histogram bin
	Intensities  []uint64
	Fit          []float64
	Tau1         float64 // decay constant for t < T0
	Tau2         float64 // decay constant for t >= T0
	T0           float64
	CentralDelay float64
	MaxIntensity float64
	Window       float64 // correlation window used
}

// doubleDecay is p[0]·exp(-|x-p[1]|/τ) with τ = p[2] left of p[1] and p[3]
// right of it.
func doubleDecay(x float64, p []float64) float64 {
	tau := p[2]
	if x >= p[1] {
		tau = p[3]
	}
	return p[0] * math.Exp(-math.Abs(x-p[1])/tau)
}

// FindDelay estimates the delay of channel B relative to channel A from
// the histogram of time(b) - time(a) over nearest pairs inside the
// correlation window.
func (e *Engine) FindDelay(q DelayQuery) (*DelayResult, error) {
	const op = "query.FindDelay"
	defer observe("find_delay")()
	name := e.src.Name()

	switch {
	case q.A == q.B:
		return nil, tagerr.New(tagerr.Value, op, name, "channels must differ")
	case !(q.ReadTime > 0):
		return nil, tagerr.New(tagerr.Value, op, name, "read time must be > 0")
	case !(q.Resolution > 0):
		return nil, tagerr.New(tagerr.Value, op, name, "histogram resolution must be > 0")
	case q.Window < 0:
		return nil, tagerr.New(tagerr.Value, op, name, "window must be >= 0")
	}
	if err := e.checkChannels(op, []uint8{q.A, q.B}); err != nil {
		return nil, err
	}

	singles, err := e.Singles(q.ReadTime)
	if err != nil {
		return nil, err
	}
	avg := float64(singles.PerChannel[q.A]+singles.PerChannel[q.B]) / q.ReadTime
	if avg == 0 {
		debug.DropWarning("find delay", "no events on either channel", "buffer", name)
		return nil, tagerr.New(tagerr.NoData, op, name, "no events on the requested channels")
	}
	window := q.Window
	if window == 0 {
		window = 2 / (avg * avg)
	}

	hb := timebase.BinsFromTime(e.base.Resolution, q.Resolution)
	if hb == 0 {
		return nil, tagerr.New(tagerr.Value, op, name, "histogram resolution below buffer resolution")
	}
	length := int64(math.Round(window/q.Resolution)) - 1
	if length <= 0 {
		return nil, tagerr.New(tagerr.NoData, op, name, "correlation window shorter than two histogram bins")
	}
	if length > maxDelayBins {
		return nil, tagerr.New(tagerr.Value, op, name, "correlation window spans too many histogram bins")
	}

	hist := e.pairHistogram(singles.Start, singles.Stop, q.A, q.B, int64(hb), length)

	var peak uint64
	argmax := 0
	var total uint64
	for k, v := range hist {
		total += v
		if v > peak {
			peak, argmax = v, k
		}
	}
	if total == 0 {
		debug.DropWarning("find delay", "no pairs inside the correlation window", "buffer", name)
		return nil, tagerr.New(tagerr.NoData, op, name, "no pairs inside the correlation window")
	}

	// Fit in histogram-bin units so every parameter is O(1)..O(length).
	xs := make([]float64, len(hist))
	ys := make([]float64, len(hist))
	for k, v := range hist {
		xs[k] = float64(int64(k) - length)
		ys[k] = float64(v)
	}
	tauGuess := (2 / avg) / q.Resolution
	if tauGuess < 1 || tauGuess > float64(length)/4 {
		// Seed outside the histogram: fall back to the 1/e width.
		tauGuess = widthGuess(hist, peak)
	}
	p0 := []float64{float64(peak), xs[argmax], tauGuess, tauGuess}
	res, err := fit.LevenbergMarquardt(doubleDecay, xs, ys, p0, fit.Settings{})
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Fit, op, name, err)
	}
	p := res.Params

	out := &DelayResult{
		Times:        make([]float64, len(hist)),
		Intensities:  hist,
		Fit:          make([]float64, len(hist)),
		MaxIntensity: p[0],
		T0:           p[1] * q.Resolution,
		Tau1:         math.Abs(p[2]) * q.Resolution,
		Tau2:         math.Abs(p[3]) * q.Resolution,
		Window:       window,
	}
	for k, x := range xs {
		out.Times[k] = x * q.Resolution
		out.Fit[k] = doubleDecay(x, p)
	}
	out.CentralDelay = out.T0
	if e.base.Format == timebase.Clocked {
		out.CentralDelay += e.deltaCentre(singles.Start, singles.Stop, q.A)
	}
	return out, nil
}

// pairHistogram bins time(b) - time(a) for each event paired with the most
// recent event of the other channel, when the difference lies within
// ±length histogram bins of hb fine bins each. Bin k covers
// [(k-length)·hb, (k-length+1)·hb).
func (e *Engine) pairHistogram(start, stop uint64, a, b uint8, hb, length int64) []uint64 {
	hist := make([]uint64, 2*length)
	span := length * hb
	var lastA, lastB int64
	haveA, haveB := false, false
	put := func(d int64) {
		if d <= -span || d >= span {
			return
		}
		k := floorDiv(d, hb) + length
		if k >= 0 && k < 2*length {
			hist[k]++
		}
	}
	for i := start; i < stop; i++ {
		switch e.src.ChannelAt(i) {
		case a:
			t := int64(e.src.BinsAt(i))
			lastA, haveA = t, true
			if haveB {
				put(lastB - t)
			}
		case b:
			t := int64(e.src.BinsAt(i))
			lastB, haveB = t, true
			if haveA {
				put(t - lastA)
			}
		}
	}
	return hist
}

// deltaCentre is the weighted mean delta of channel a over delta bins
// holding more than half the peak count, in seconds.
func (e *Engine) deltaCentre(start, stop uint64, a uint8) float64 {
	period := e.base.PeriodBins()
	if period == 0 {
		return 0
	}
	counts := make([]uint64, period)
	for i := start; i < stop; i++ {
		if e.src.ChannelAt(i) != a {
			continue
		}
		if d := e.src.At(i).Delta; d < period {
			counts[d]++
		}
	}
	var peak uint64
	for _, v := range counts {
		peak = max(peak, v)
	}
	if peak == 0 {
		return 0
	}
	var wsum, sum float64
	for d, v := range counts {
		if float64(v) > 0.5*float64(peak) {
			wsum += float64(d) * float64(v)
			sum += float64(v)
		}
	}
	return wsum / sum * e.base.Resolution
}

// widthGuess is half the number of bins at or above peak/e, at least 1.
func widthGuess(hist []uint64, peak uint64) float64 {
	threshold := float64(peak) / math.E
	n := 0
	for _, v := range hist {
		if float64(v) >= threshold {
			n++
		}
	}
	return math.Max(float64(n)/2, 1)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
