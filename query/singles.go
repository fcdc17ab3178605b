package query

import (
	"math"

	"tagring/debug"
	"tagring/tagerr"
	"tagring/utils"
)

// Singles is a per-channel event tally.
type Singles struct {
	Total      uint64
	PerChannel []uint64 // length = channel count
	Start      uint64   // logical range counted, half-open
	Stop       uint64
}

// Singles counts events over the last readTime seconds (everything
// retrievable when readTime <= 0).
func (e *Engine) Singles(readTime float64) (Singles, error) {
	defer observe("singles")()
	start, stop := e.window(readTime)
	return e.tally(start, stop), nil
}

// SinglesRange counts events with logical indices [start, stop).
func (e *Engine) SinglesRange(start, stop uint64) (Singles, error) {
	defer observe("singles")()
	begin, end := e.src.Span()
	if start < begin || stop > end || stop < start {
		return Singles{}, tagerr.New(tagerr.OutOfRange, "query.SinglesRange", e.src.Name(),
			"["+utils.Utoa(start)+", "+utils.Utoa(stop)+") outside ["+utils.Utoa(begin)+", "+utils.Utoa(end)+")")
	}
	return e.tally(start, stop), nil
}

func (e *Engine) tally(start, stop uint64) Singles {
	var counts [256]uint64
	for i := start; i < stop; i++ {
		counts[e.src.ChannelAt(i)]++
	}
	cc := e.src.ChannelCount()
	out := Singles{
		Total:      stop - start,
		PerChannel: make([]uint64, cc),
		Start:      start,
		Stop:       stop,
	}
	copy(out.PerChannel, counts[:cc])
	return out
}

// Timetrace splits the last readTime seconds into bins of binSize seconds
// and counts, per bin, events on any of channels. The trace has
// round(readTime/binSize) - 1 bins, oldest first.
func (e *Engine) Timetrace(channels []uint8, readTime, binSize float64) ([]uint64, error) {
	const op = "query.Timetrace"
	defer observe("timetrace")()
	if len(channels) == 0 {
		return nil, tagerr.New(tagerr.Value, op, e.src.Name(), "no channels requested")
	}
	if err := e.checkChannels(op, channels); err != nil {
		return nil, err
	}
	if !(readTime > 0) || !(binSize > 0) {
		return nil, tagerr.New(tagerr.Value, op, e.src.Name(), "read time and bin size must be > 0")
	}
	width := e.base.Bins(binSize)
	if width == 0 {
		return nil, tagerr.New(tagerr.Value, op, e.src.Name(), "bin size below buffer resolution")
	}
	length := int64(math.Round(readTime/binSize)) - 1
	begin, stop := e.src.Span()
	if length <= 0 || stop == begin {
		debug.DropWarning("timetrace", "no usable bins", "buffer", e.src.Name())
		return nil, tagerr.New(tagerr.NoData, op, e.src.Name(), "window yields no bins")
	}

	var mask [256]bool
	for _, ch := range channels {
		mask[ch] = true
	}
	newest := e.src.BinsAt(stop - 1)
	span := uint64(length) * width
	var origin uint64
	if newest+1 > span {
		origin = newest + 1 - span
	}

	trace := make([]uint64, length)
	for i := e.src.LowerBound(readTime); i < stop; i++ {
		if i < begin || !mask[e.src.ChannelAt(i)] {
			continue
		}
		t := e.src.BinsAt(i)
		if t < origin {
			continue
		}
		k := (t - origin) / width
		if k < uint64(length) {
			trace[k]++
		}
	}
	return trace, nil
}
