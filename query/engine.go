// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: engine.go — Query engine over any time-sorted timetag source
//
// Purpose:
//   - Singles, time traces, coincidences, joint delay histograms and the
//     relative delay estimator, all read-only.
//
// Notes:
//   - Algorithms see records only through Source: channel id plus time on
//     the fine-bin axis. Clocked records are flattened by the source as
//     clock × period_bins + delta, so nothing here branches on format
//     except the clocked-only coordinates (delta) used by the histograms.
//   - Every call snapshots the retrievable range once. Records near the
//     write frontier may be stale while a producer is pushing.
// ─────────────────────────────────────────────────────────────────────────────

package query

import (
	"time"

	"tagring/metrics"
	"tagring/tagerr"
	"tagring/timebase"
	"tagring/utils"
)

// Source is a time-sorted, randomly addressable record sequence.
// *ringstore.Store implements it.
type Source interface {
	Name() string
	Base() timebase.Base
	ChannelCount() int
	Span() (begin, stop uint64)
	At(i uint64) timebase.Record
	ChannelAt(i uint64) uint8
	BinsAt(i uint64) uint64
	LowerBound(timeAgo float64) uint64
}

// Engine runs queries against one source.
type Engine struct {
	src  Source
	base timebase.Base
}

// New binds an engine to src.
func New(src Source) *Engine {
	return &Engine{src: src, base: src.Base()}
}

// Source returns the bound source.
func (e *Engine) Source() Source { return e.src }

// window resolves the half-open range covering the last readTime seconds.
// A non-positive readTime selects everything retrievable.
func (e *Engine) window(readTime float64) (start, stop uint64) {
	begin, stop := e.src.Span()
	if readTime <= 0 || stop == begin {
		return begin, stop
	}
	start = e.src.LowerBound(readTime)
	if start < begin {
		start = begin
	}
	if start > stop {
		start = stop
	}
	return start, stop
}

// checkChannels validates requested ids against the source channel count.
func (e *Engine) checkChannels(op string, channels []uint8) error {
	cc := e.src.ChannelCount()
	for _, ch := range channels {
		if int(ch) >= cc {
			return tagerr.New(tagerr.Value, op, e.src.Name(),
				"channel "+utils.Utoa(uint64(ch))+" >= channel count "+utils.Itoa(int64(cc)))
		}
	}
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.ObserveSince(query, start) }
}
