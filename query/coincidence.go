package query

import (
	"strconv"

	"tagring/debug"
	"tagring/metrics"
	"tagring/tagerr"
	"tagring/timebase"
)

// CoincidenceQuery describes a multi-channel coincidence search.
type CoincidenceQuery struct {
	ReadTime float64   // seconds back from the newest record, <= 0 for all
	Window   float64   // max spread of a group in seconds
	Channels []uint8   // one slot per entry, repeats allowed
	Delays   []float64 // seconds added per slot before comparison, optional
}

// Coincidences is the result of CoincidenceCollect. Records and Indices
// are group-major: group g occupies [g·N, (g+1)·N) in the caller's
// channel order.
type Coincidences struct {
	Count   uint64
	Records timebase.Records
	Indices []uint64
}

// sweep is a validated, bin-converted query.
type sweep struct {
	start, stop uint64
	window      int64
	delays      []int64   // per slot
	slotsOf     [256][]int // slot positions per channel id, in caller order
	n           int
}

func (e *Engine) prepare(op string, q CoincidenceQuery) (*sweep, error) {
	name := e.src.Name()
	n := len(q.Channels)
	switch {
	case n == 0:
		return nil, tagerr.New(tagerr.Value, op, name, "no channels requested")
	case n > e.src.ChannelCount():
		return nil, tagerr.New(tagerr.Value, op, name, "more channels requested than the buffer has")
	case !(q.Window > 0):
		return nil, tagerr.New(tagerr.Value, op, name, "window must be > 0")
	case len(q.Delays) != 0 && len(q.Delays) != n:
		return nil, tagerr.New(tagerr.LengthMismatch, op, name, "delays and channels differ in length")
	}
	if err := e.checkChannels(op, q.Channels); err != nil {
		return nil, err
	}

	sw := &sweep{
		window: timebase.SignedBins(e.base.Resolution, q.Window),
		delays: make([]int64, n),
		n:      n,
	}
	for k, ch := range q.Channels {
		sw.slotsOf[ch] = append(sw.slotsOf[ch], k)
		if len(q.Delays) != 0 {
			sw.delays[k] = timebase.SignedBins(e.base.Resolution, q.Delays[k])
		}
	}
	sw.start, sw.stop = e.window(q.ReadTime)
	return sw, nil
}

// run performs the greedy forward sweep. Each slot holds the most recent
// unconsumed event of its channel; a channel with k slots keeps its last k
// events, oldest in the first slot. When every slot is filled and the
// delayed times span at most window bins, the group is emitted and all
// slots are cleared, so each event is consumed at most once.
func (e *Engine) run(sw *sweep, emit func(idx []uint64)) uint64 {
	n := sw.n
	idx := make([]uint64, n)
	bins := make([]int64, n)
	full := make([]bool, n)
	filled := 0
	var found uint64

	for i := sw.start; i < sw.stop; i++ {
		slots := sw.slotsOf[e.src.ChannelAt(i)]
		if len(slots) == 0 {
			continue
		}
		t := int64(e.src.BinsAt(i))

		// Place into the first empty slot of this channel, otherwise shift
		// the channel's slots down and take the last one.
		placed := false
		for _, k := range slots {
			if !full[k] {
				idx[k], bins[k], full[k] = i, t, true
				filled++
				placed = true
				break
			}
		}
		if !placed {
			for j := 0; j+1 < len(slots); j++ {
				idx[slots[j]], bins[slots[j]] = idx[slots[j+1]], bins[slots[j+1]]
			}
			last := slots[len(slots)-1]
			idx[last], bins[last] = i, t
		}
		if filled < n {
			continue
		}

		lo, hi := bins[0]+sw.delays[0], bins[0]+sw.delays[0]
		for k := 1; k < n; k++ {
			v := bins[k] + sw.delays[k]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi-lo > sw.window {
			continue
		}
		found++
		if emit != nil {
			emit(idx)
		}
		for k := range full {
			full[k] = false
		}
		filled = 0
	}
	return found
}

// CoincidenceCount returns the number of coincidence groups in the last
// ReadTime seconds. Finding none is not an error.
func (e *Engine) CoincidenceCount(q CoincidenceQuery) (uint64, error) {
	defer observe("coincidence_count")()
	sw, err := e.prepare("query.CoincidenceCount", q)
	if err != nil {
		return 0, err
	}
	found := e.run(sw, nil)
	e.report(found, sw.n)
	return found, nil
}

// CoincidenceCollect returns every group found, one record per requested
// channel, in the caller's channel order.
func (e *Engine) CoincidenceCollect(q CoincidenceQuery) (Coincidences, error) {
	defer observe("coincidence_collect")()
	sw, err := e.prepare("query.CoincidenceCollect", q)
	if err != nil {
		return Coincidences{}, err
	}
	out := Coincidences{Records: timebase.NewRecords(e.base.Format, 0)}
	out.Count = e.run(sw, func(idx []uint64) {
		for _, i := range idx {
			out.Records.Append(e.src.At(i))
			out.Indices = append(out.Indices, i)
		}
	})
	e.report(out.Count, sw.n)
	return out, nil
}

func (e *Engine) report(found uint64, n int) {
	if found == 0 {
		debug.DropWarning("coincidences", "no coincidences found", "buffer", e.src.Name())
		return
	}
	metrics.Coincidences.WithLabelValues(strconv.Itoa(n)).Add(float64(found))
}
