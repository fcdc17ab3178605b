package query

import (
	"math"

	"tagring/debug"
	"tagring/tagerr"
	"tagring/timebase"
)

// NoClock marks a histogram query without a reference channel (Clocked
// buffers use the clock edge carried by every record).
const NoClock = -1

// HistogramQuery describes a joint signal/idler delay histogram.
type HistogramQuery struct {
	CoincidenceQuery
	Signal   uint8
	Idler    uint8
	Clock    int     // reference channel, required for Standard buffers
	Radius   float64 // half-width in seconds
	BinWidth int     // rebin factor, values < 1 mean 1
	Centre   bool
}

// JointHistogram is a square histogram of (signal, idler) coordinates.
// Data[i][j] counts groups with signal bin i and idler bin j. Standard
// buffers index central+offset; Clocked buffers index the delta itself,
// so coordinate zero sits at Origin.
type JointHistogram struct {
	TemporalWindow uint32    // side length after rebinning
	CentralBin     uint32    // centring target, radius before rebinning
	Origin         uint32    // index of coordinate zero
	BinSize        [2]uint32 // fine bins per histogram bin (signal, idler)
	Data           [][]uint64
	MarginalSignal []uint64 // row sums
	MarginalIdler  []uint64 // column sums
	AxisSignal     []float64
	AxisIdler      []float64
	Coincidences   uint64 // groups found, including those out of range
	Shift          [2]int // roll applied by centring (signal, idler)
}

// Total is the mass inside the histogram.
func (h *JointHistogram) Total() uint64 {
	var sum uint64
	for _, v := range h.MarginalSignal {
		sum += v
	}
	return sum
}

// JointHistogram runs the coincidence sweep and bins each group by the
// signal and idler arrival relative to the reference: the clock channel
// event for Standard buffers, the record's own clock edge (its delta) for
// Clocked ones. Clocked deltas land at index delta+delay across the whole
// [0, 2·radius) side. Zero coincidences produce an all-zero histogram and
// a warning, not an error.
func (e *Engine) JointHistogram(q HistogramQuery) (*JointHistogram, error) {
	const op = "query.JointHistogram"
	defer observe("joint_histogram")()
	name := e.src.Name()
	clocked := e.base.Format == timebase.Clocked

	if len(q.Channels) == 0 {
		if clocked {
			q.Channels = []uint8{q.Signal, q.Idler}
		} else if q.Clock >= 0 {
			q.Channels = []uint8{uint8(q.Clock), q.Signal, q.Idler}
		}
	}
	if !clocked && (q.Clock < 0 || q.Clock > 255) {
		return nil, tagerr.New(tagerr.Value, op, name, "a clock channel is required for Standard buffers")
	}
	if q.BinWidth < 1 {
		q.BinWidth = 1
	}
	radius := timebase.BinsFromTime(e.base.Resolution, q.Radius)
	if radius == 0 {
		return nil, tagerr.New(tagerr.Value, op, name, "radius below buffer resolution")
	}
	if radius > 1<<13 {
		return nil, tagerr.New(tagerr.Value, op, name, "radius spans more than 8192 bins")
	}

	sigSlot, idlerSlot, clockSlot := -1, -1, -1
	for k, ch := range q.Channels {
		switch {
		case sigSlot < 0 && ch == q.Signal:
			sigSlot = k
		case idlerSlot < 0 && ch == q.Idler:
			idlerSlot = k
		case !clocked && clockSlot < 0 && int(ch) == q.Clock:
			clockSlot = k
		}
	}
	if sigSlot < 0 || idlerSlot < 0 || (!clocked && clockSlot < 0) {
		return nil, tagerr.New(tagerr.Value, op, name, "signal, idler and clock must be among the requested channels")
	}

	sw, err := e.prepare(op, q.CoincidenceQuery)
	if err != nil {
		return nil, err
	}

	side := int64(2 * radius)
	central := int64(radius)
	origin := central
	if clocked {
		origin = 0
	}
	data := make([][]uint64, side)
	for i := range data {
		data[i] = make([]uint64, side)
	}

	coord := func(idx []uint64, slot int) int64 {
		if clocked {
			return int64(e.src.At(idx[slot]).Delta) + sw.delays[slot]
		}
		ref := int64(e.src.BinsAt(idx[clockSlot])) + sw.delays[clockSlot]
		return int64(e.src.BinsAt(idx[slot])) + sw.delays[slot] - ref
	}
	found := e.run(sw, func(idx []uint64) {
		i := origin + coord(idx, sigSlot)
		j := origin + coord(idx, idlerSlot)
		if i >= 0 && i < side && j >= 0 && j < side {
			data[i][j]++
		}
	})
	e.report(found, sw.n)

	h := &JointHistogram{
		TemporalWindow: uint32(side),
		CentralBin:     uint32(central),
		Origin:         uint32(origin),
		BinSize:        [2]uint32{1, 1},
		Data:           data,
		Coincidences:   found,
	}
	if found == 0 {
		debug.DropWarning("joint histogram", "zero coincidences, histogram is empty", "buffer", name)
	}
	if q.BinWidth > 1 {
		h.Rebin(q.BinWidth)
	}
	h.marginals()
	if q.Centre {
		h.Center()
	}
	h.axes(e.base.Resolution)
	return h, nil
}

// Rebin sums width × width blocks. Trailing rows and columns that do not
// fill a block are dropped.
func (h *JointHistogram) Rebin(width int) {
	if width <= 1 {
		return
	}
	side := len(h.Data) / width
	out := make([][]uint64, side)
	for i := range out {
		out[i] = make([]uint64, side)
		for bi := 0; bi < width; bi++ {
			row := h.Data[i*width+bi]
			for j := range out[i] {
				for bj := 0; bj < width; bj++ {
					out[i][j] += row[j*width+bj]
				}
			}
		}
	}
	h.Data = out
	h.TemporalWindow = uint32(side)
	h.CentralBin /= uint32(width)
	h.Origin /= uint32(width)
	h.BinSize = [2]uint32{h.BinSize[0] * uint32(width), h.BinSize[1] * uint32(width)}
	h.marginals()
}

// Center rolls each axis so the bulk of its marginal (bins above 10% of
// the peak) sits on the central bin.
func (h *JointHistogram) Center() {
	h.marginals()
	ds := centreShift(h.MarginalSignal, int(h.CentralBin))
	di := centreShift(h.MarginalIdler, int(h.CentralBin))
	if ds == 0 && di == 0 {
		return
	}
	side := len(h.Data)
	out := make([][]uint64, side)
	for i := range out {
		out[i] = make([]uint64, side)
	}
	for i, row := range h.Data {
		ni := mod(i+ds, side)
		for j, v := range row {
			out[ni][mod(j+di, side)] = v
		}
	}
	h.Data = out
	h.Shift[0] += ds
	h.Shift[1] += di
	h.marginals()
}

// centreShift is -round(mean(k - central)) over bins above 10% of peak.
func centreShift(m []uint64, central int) int {
	var peak uint64
	for _, v := range m {
		peak = max(peak, v)
	}
	if peak == 0 {
		return 0
	}
	threshold := 0.1 * float64(peak)
	var sum float64
	var n int
	for k, v := range m {
		if float64(v) > threshold {
			sum += float64(k - central)
			n++
		}
	}
	return -int(math.Round(sum / float64(n)))
}

func (h *JointHistogram) marginals() {
	side := len(h.Data)
	h.MarginalSignal = make([]uint64, side)
	h.MarginalIdler = make([]uint64, side)
	for i, row := range h.Data {
		for j, v := range row {
			h.MarginalSignal[i] += v
			h.MarginalIdler[j] += v
		}
	}
}

func (h *JointHistogram) axes(resolution float64) {
	side := len(h.Data)
	h.AxisSignal = make([]float64, side)
	h.AxisIdler = make([]float64, side)
	c := int(h.Origin)
	for k := 0; k < side; k++ {
		h.AxisSignal[k] = float64(k-c) * resolution * float64(h.BinSize[0])
		h.AxisIdler[k] = float64(k-c) * resolution * float64(h.BinSize[1])
	}
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
