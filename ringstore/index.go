package ringstore

import (
	"errors"
	"sort"

	"tagring/timebase"
	"tagring/utils"
)

///////////////////////////////////////////////////////////////////////////////
// Index arithmetic — pure, storage independent
///////////////////////////////////////////////////////////////////////////////

var errEmpty = errors.New("buffer is empty")

// Bounds returns the retrievable half-open logical range [begin, stop) for
// a ring of capacity slots that has seen count pushes.
//
//go:nosplit
//go:inline
func Bounds(count, capacity uint64) (begin, stop uint64) {
	if count > capacity {
		return count - capacity, count
	}
	return 0, count
}

// ResolveIndex maps key onto a logical index. Non-negative keys are
// absolute logical indices; negative keys count back from the newest
// record (-1 is the newest).
func ResolveIndex(count, capacity uint64, key int64) (uint64, error) {
	begin, stop := Bounds(count, capacity)
	if stop == 0 {
		return 0, errEmpty
	}
	var idx uint64
	if key < 0 {
		back := uint64(-key)
		if back > stop {
			return 0, errors.New("index " + utils.Itoa(key) + " before start of buffer")
		}
		idx = stop - back
	} else {
		idx = uint64(key)
	}
	if idx < begin {
		return 0, errors.New("index " + utils.Utoa(idx) + " overwritten, oldest is " + utils.Utoa(begin))
	}
	if idx >= stop {
		return 0, errors.New("index " + utils.Utoa(idx) + " past newest " + utils.Utoa(stop-1))
	}
	return idx, nil
}

// ResolveRange maps a slice-style [start, stop) onto logical indices.
// Negative bounds count back from one past the newest record. Both ends
// must fall inside the retrievable range.
func ResolveRange(count, capacity uint64, start, stop int64) (uint64, uint64, error) {
	begin, end := Bounds(count, capacity)
	abs := func(k int64) (uint64, bool) {
		if k < 0 {
			back := uint64(-k)
			if back > end {
				return 0, false
			}
			return end - back, true
		}
		return uint64(k), true
	}
	lo, ok1 := abs(start)
	hi, ok2 := abs(stop)
	if !ok1 || !ok2 || lo < begin || hi > end || hi < lo {
		return 0, 0, errors.New("range [" + utils.Itoa(start) + ", " + utils.Itoa(stop) + ") outside [" +
			utils.Utoa(begin) + ", " + utils.Utoa(end) + ")")
	}
	return lo, hi, nil
}

///////////////////////////////////////////////////////////////////////////////
// Time accessors
///////////////////////////////////////////////////////////////////////////////

// CurrentTime is the time of the newest record, 0 when empty.
func (s *Store) CurrentTime() float64 {
	_, stop := s.Span()
	if stop == 0 {
		return 0
	}
	return s.TimeAt(stop - 1)
}

// OldestTime is the time of the oldest retrievable record, 0 when empty.
func (s *Store) OldestTime() float64 {
	begin, stop := s.Span()
	if stop == 0 {
		return 0
	}
	return s.TimeAt(begin)
}

// TimeInBuffer is CurrentTime - OldestTime.
func (s *Store) TimeInBuffer() float64 {
	oldest, newest := s.TimeRange()
	return newest - oldest
}

// TimeRange returns the oldest and newest record times from one snapshot.
func (s *Store) TimeRange() (oldest, newest float64) {
	begin, stop := s.Span()
	if stop == 0 {
		return 0, 0
	}
	return s.TimeAt(begin), s.TimeAt(stop - 1)
}

// BinsFromTime converts seconds to bins at the buffer resolution.
func (s *Store) BinsFromTime(seconds float64) uint64 {
	return timebase.BinsFromTime(s.base.Resolution, seconds)
}

///////////////////////////////////////////////////////////////////////////////
// IndexSearch
///////////////////////////////////////////////////////////////////////////////

// LowerBound returns the smallest retrievable index whose time is at least
// CurrentTime() - timeAgo. An empty buffer yields Begin().
//
// ⚠️ Records must be time-sorted; otherwise the result is undefined.
func (s *Store) LowerBound(timeAgo float64) uint64 {
	begin, stop := s.Span()
	if stop == begin {
		return begin
	}
	return s.searchFrom(begin, stop, s.TimeAt(stop-1)-timeAgo)
}

// IndexAt locates a record by time. Negative t means t seconds before the
// newest record; non-negative t means t seconds after the oldest one.
func (s *Store) IndexAt(t float64) uint64 {
	if t < 0 {
		return s.LowerBound(-t)
	}
	begin, stop := s.Span()
	if stop == begin {
		return begin
	}
	return s.searchFrom(begin, stop, s.TimeAt(begin)+t)
}

// searchFrom finds the first index in [begin, stop) with time >= target.
func (s *Store) searchFrom(begin, stop uint64, target float64) uint64 {
	n := int(stop - begin)
	k := sort.Search(n, func(i int) bool {
		return s.TimeAt(begin+uint64(i)) >= target
	})
	return begin + uint64(k)
}
