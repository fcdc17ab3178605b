// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: store.go — Shared-memory timetag ring
//
// Purpose:
//   - Fixed-capacity circular record columns living in a named segment.
//   - Any number of processes attach; exactly one is expected to push.
//
// Notes:
//   - count is free-running; physical slot = logical index mod capacity.
//     Power-of-two capacities use a mask instead of a division.
//   - Retrievable logical range is [begin, count) with
//     begin = max(0, count - capacity).
//   - Readers snapshot count once per call. Records near the write
//     frontier may be momentarily stale while a push is in flight.
//   - The last detach unlinks the segment and drops the registry entry.
//
// ⚠️ After Close a handle reads as empty; record access by index is
// unchecked and must not be used.
// ─────────────────────────────────────────────────────────────────────────────

package ringstore

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"tagring/constants"
	"tagring/debug"
	"tagring/metrics"
	"tagring/tagerr"
	"tagring/timebase"
	"tagring/utils"
)

// Config fixes the immutable shape of a new buffer.
type Config struct {
	Format       timebase.Format
	Capacity     uint64
	ChannelCount int
	Resolution   float64 // seconds per fine bin
	ClockPeriod  float64 // seconds per clock tick, Clocked only
}

// Validate checks cfg before any segment is created.
func (cfg Config) Validate() error {
	const op = "ringstore.Config"
	switch {
	case !cfg.Format.Valid():
		return tagerr.New(tagerr.Value, op, "", "unknown record format")
	case cfg.Capacity == 0:
		return tagerr.New(tagerr.Value, op, "", "capacity must be > 0")
	case cfg.Capacity > maxCapacity(cfg.Format):
		return tagerr.New(tagerr.Value, op, "", "capacity "+utils.Utoa(cfg.Capacity)+" exceeds addressable size")
	case cfg.ChannelCount <= 0 || cfg.ChannelCount > constants.MaxChannels:
		return tagerr.New(tagerr.Value, op, "", "channel count must be in [1, 256]")
	case !(cfg.Resolution > 0):
		return tagerr.New(tagerr.Value, op, "", "resolution must be > 0")
	case cfg.Format == timebase.Clocked && timebase.ClockPeriodBins(cfg.Resolution, cfg.ClockPeriod) == 0:
		return tagerr.New(tagerr.Value, op, "", "clock period must span at least one bin")
	}
	return nil
}

// Info is a point-in-time description of a buffer.
type Info struct {
	Name           string
	Format         timebase.Format
	Capacity       uint64
	Count          uint64
	Resolution     float64
	ClockPeriod    float64
	ChannelCount   int
	ReferenceCount int64
}

// Registrar receives lifecycle updates for discovery. Failures are
// logged and never fail the buffer operation.
type Registrar interface {
	Put(Info) error
	Remove(name string) error
}

// Options control where segments live and who hears about them.
type Options struct {
	Dir       string    // segment directory, defaults to /dev/shm on Linux
	Registrar Registrar // optional discovery hook
}

// Store is one process's attachment to a named buffer.
type Store struct {
	name string
	path string
	opts Options

	mem  []byte
	hdr  header
	base timebase.Base

	capacity     uint64
	mask         uint64 // capacity-1 when capacity is a power of two, else 0
	channelCount int
	periodBins   uint64

	times    []uint64 // timestamps (Standard) or clocks (Clocked)
	deltas   []uint64 // Clocked only
	channels []uint8

	closed atomic.Bool
	pushed prometheus.Counter
}

///////////////////////////////////////////////////////////////////////////////
// Lifecycle
///////////////////////////////////////////////////////////////////////////////

// Create makes a new named buffer with reference count 1. It fails with
// AlreadyExists if the name is taken; callers should Connect instead.
func Create(name string, cfg Config, opts Options) (*Store, error) {
	const op = "ringstore.Create"
	if name == "" {
		return nil, tagerr.New(tagerr.Value, op, name, "empty buffer name")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Format == timebase.Standard {
		cfg.ClockPeriod = 0
	}

	path := segmentPath(name, opts)
	mem, err := createSegment(path, segmentSize(cfg.Format, cfg.Capacity))
	if err != nil {
		return nil, lifecycleErr(op, name, err)
	}
	hdr := header(mem[:constants.HeaderSize])
	hdr.init(cfg)
	hdr.publish()

	s := attach(name, path, mem, opts)
	s.register()
	debug.DropMessage("BUFFER", "created", "name", name, "format", cfg.Format.String(), "capacity", cfg.Capacity)
	return s, nil
}

// Connect attaches to an existing buffer and increments its reference
// count. It fails with NotFound if no such buffer exists.
func Connect(name string, opts Options) (*Store, error) {
	const op = "ringstore.Connect"
	path := segmentPath(name, opts)
	mem, err := openSegment(path)
	if err != nil {
		return nil, lifecycleErr(op, name, err)
	}
	hdr := header(mem[:constants.HeaderSize])
	if hdr.magic() != constants.SegmentMagic || !hdr.format().Valid() ||
		hdr.capacity() > maxCapacity(hdr.format()) ||
		uint64(len(mem)) != segmentSize(hdr.format(), hdr.capacity()) {
		_ = unix.Munmap(mem)
		return nil, tagerr.New(tagerr.Resource, op, name, "segment header is not initialised")
	}
	if hdr.addRefs(1) <= 1 {
		// Last holder detached while we were mapping; the file is gone.
		hdr.addRefs(-1)
		_ = unix.Munmap(mem)
		return nil, tagerr.New(tagerr.NotFound, op, name, "buffer is being released")
	}

	s := attach(name, path, mem, opts)
	s.register()
	return s, nil
}

// Open connects to name, creating it with cfg if it does not exist yet.
func Open(name string, cfg Config, opts Options) (*Store, error) {
	s, err := Connect(name, opts)
	if err == nil || !tagerr.Is(err, tagerr.NotFound) {
		return s, err
	}
	s, err = Create(name, cfg, opts)
	if tagerr.Is(err, tagerr.AlreadyExists) {
		return Connect(name, opts)
	}
	return s, err
}

func attach(name, path string, mem []byte, opts Options) *Store {
	hdr := header(mem[:constants.HeaderSize])
	s := &Store{
		name:         name,
		path:         path,
		opts:         opts,
		mem:          mem,
		hdr:          hdr,
		capacity:     hdr.capacity(),
		channelCount: hdr.channelCount(),
		base: timebase.Base{
			Format:      hdr.format(),
			Resolution:  hdr.resolution(),
			ClockPeriod: hdr.clockPeriod(),
		},
		pushed: metrics.RecordsPushed.WithLabelValues(name),
	}
	if utils.IsPow2(s.capacity) {
		s.mask = s.capacity - 1
	}
	s.periodBins = s.base.PeriodBins()

	off := uint64(constants.HeaderSize)
	s.times = unsafe.Slice((*uint64)(unsafe.Pointer(&mem[off])), s.capacity)
	off += s.capacity * 8
	if s.base.Format == timebase.Clocked {
		s.deltas = unsafe.Slice((*uint64)(unsafe.Pointer(&mem[off])), s.capacity)
		off += s.capacity * 8
	}
	s.channels = mem[off : off+s.capacity : off+s.capacity]
	return s
}

// Close detaches from the buffer. Closing twice is a no-op.
func (s *Store) Close() error {
	_, _, err := s.release()
	return err
}

// Detach drops this attachment and returns the resulting reference count.
// The last detach unlinks the segment and removes the registry entry. A
// handle that is already detached yields a Resource error.
func (s *Store) Detach() (int64, error) {
	remaining, ok, err := s.release()
	if !ok {
		return 0, tagerr.New(tagerr.Resource, "ringstore.Detach", s.name, "store is closed")
	}
	return remaining, err
}

// release is false when the handle was already detached.
func (s *Store) release() (int64, bool, error) {
	if s.closed.Swap(true) {
		return 0, false, nil
	}
	remaining := s.hdr.addRefs(-1)
	info := s.Info()

	var unlinkErr error
	if remaining <= 0 {
		if err := unix.Unlink(s.path); err != nil && err != unix.ENOENT {
			unlinkErr = tagerr.Wrap(tagerr.Resource, "ringstore.Close", s.name, err)
		}
		if s.opts.Registrar != nil {
			if err := s.opts.Registrar.Remove(s.name); err != nil {
				debug.DropError("registry remove", err, "name", s.name)
			}
		}
	} else if s.opts.Registrar != nil {
		if err := s.opts.Registrar.Put(info); err != nil {
			debug.DropError("registry update", err, "name", s.name)
		}
	}

	mem := s.mem
	s.mem, s.hdr, s.times, s.deltas, s.channels = nil, nil, nil, nil, nil
	if err := unix.Munmap(mem); err != nil && unlinkErr == nil {
		return remaining, true, tagerr.Wrap(tagerr.Resource, "ringstore.Close", s.name, err)
	}
	return remaining, true, unlinkErr
}

// Remove unlinks a buffer regardless of its reference count and drops its
// registry entry. Attached processes keep their mappings until they exit.
// Used to recover from producers that died without detaching.
func Remove(name string, opts Options) error {
	err := unix.Unlink(segmentPath(name, opts))
	if opts.Registrar != nil {
		if rerr := opts.Registrar.Remove(name); rerr != nil {
			debug.DropError("registry remove", rerr, "name", name)
		}
	}
	if err != nil {
		return lifecycleErr("ringstore.Remove", name, err)
	}
	return nil
}

// Exists reports whether a segment for name is present.
func Exists(name string, opts Options) bool {
	return unix.Access(segmentPath(name, opts), unix.F_OK) == nil
}

func (s *Store) register() {
	if s.opts.Registrar == nil {
		return
	}
	if err := s.opts.Registrar.Put(s.Info()); err != nil {
		debug.DropError("registry put", err, "name", s.name)
	}
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return tagerr.New(tagerr.Resource, op, s.name, "store is closed")
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////
// Accessors
///////////////////////////////////////////////////////////////////////////////

func (s *Store) Name() string            { return s.name }
func (s *Store) Format() timebase.Format { return s.base.Format }
func (s *Store) Base() timebase.Base     { return s.base }
func (s *Store) Capacity() uint64        { return s.capacity }
func (s *Store) ChannelCount() int       { return s.channelCount }
func (s *Store) Resolution() float64     { return s.base.Resolution }
func (s *Store) ClockPeriod() float64    { return s.base.ClockPeriod }
func (s *Store) ClockPeriodBins() uint64 { return s.periodBins }

// Count is the total number of records ever pushed, 0 once detached.
func (s *Store) Count() uint64 {
	if s.hdr == nil {
		return 0
	}
	return s.hdr.count()
}

// ReferenceCount is the number of live attachments, 0 once detached.
func (s *Store) ReferenceCount() int64 {
	if s.hdr == nil {
		return 0
	}
	return s.hdr.refs()
}

// Begin is the oldest retrievable logical index.
func (s *Store) Begin() uint64 {
	begin, _ := Bounds(s.Count(), s.capacity)
	return begin
}

// End is the newest logical index, -1 while the buffer is empty.
func (s *Store) End() int64 { return int64(s.Count()) - 1 }

// Span returns the retrievable half-open range [begin, stop) from a
// single count snapshot.
func (s *Store) Span() (uint64, uint64) { return Bounds(s.Count(), s.capacity) }

// Info snapshots the buffer description.
func (s *Store) Info() Info {
	return Info{
		Name:           s.name,
		Format:         s.base.Format,
		Capacity:       s.capacity,
		Count:          s.Count(),
		Resolution:     s.base.Resolution,
		ClockPeriod:    s.base.ClockPeriod,
		ChannelCount:   s.channelCount,
		ReferenceCount: s.ReferenceCount(),
	}
}

///////////////////////////////////////////////////////////////////////////////
// Record access
///////////////////////////////////////////////////////////////////////////////

//go:nosplit
//go:inline
func (s *Store) slot(i uint64) uint64 {
	if s.mask != 0 || s.capacity == 1 {
		return i & s.mask
	}
	return i % s.capacity
}

// At reads logical index i without range checks. Callers must stay inside
// Span; anything else returns whatever now occupies the slot.
func (s *Store) At(i uint64) timebase.Record {
	p := s.slot(i)
	r := timebase.Record{Channel: s.channels[p]}
	if s.deltas != nil {
		r.Clock, r.Delta = s.times[p], s.deltas[p]
	} else {
		r.Timestamp = s.times[p]
	}
	return r
}

// ChannelAt reads the channel of logical index i without range checks.
func (s *Store) ChannelAt(i uint64) uint8 { return s.channels[s.slot(i)] }

// BinsAt is the record time of logical index i on the fine-bin axis.
func (s *Store) BinsAt(i uint64) uint64 {
	p := s.slot(i)
	if s.deltas != nil {
		return s.times[p]*s.periodBins + s.deltas[p]
	}
	return s.times[p]
}

// TimeAt is the record time of logical index i in seconds.
func (s *Store) TimeAt(i uint64) float64 { return s.base.TimeOf(s.At(i)) }

// Get returns one record. Negative i counts back from the newest record.
func (s *Store) Get(i int64) (timebase.Record, error) {
	const op = "ringstore.Get"
	if err := s.checkOpen(op); err != nil {
		return timebase.Record{}, err
	}
	idx, err := ResolveIndex(s.Count(), s.capacity, i)
	if err != nil {
		return timebase.Record{}, tagerr.New(tagerr.OutOfRange, op, s.name, err.Error())
	}
	return s.At(idx), nil
}

// Slice copies the records with logical indices [start, stop).
func (s *Store) Slice(start, stop uint64) (timebase.Records, error) {
	const op = "ringstore.Slice"
	if err := s.checkOpen(op); err != nil {
		return timebase.Records{}, err
	}
	if start > math.MaxInt64 || stop > math.MaxInt64 {
		return timebase.Records{}, tagerr.New(tagerr.OutOfRange, op, s.name,
			"["+utils.Utoa(start)+", "+utils.Utoa(stop)+") past any logical index")
	}
	lo, hi, err := ResolveRange(s.Count(), s.capacity, int64(start), int64(stop))
	if err != nil {
		return timebase.Records{}, tagerr.New(tagerr.OutOfRange, op, s.name, err.Error())
	}
	n := int(hi - lo)
	out := timebase.NewRecords(s.base.Format, n)
	for k := 0; k < n; k++ {
		out.Set(k, s.At(lo+uint64(k)))
	}
	return out, nil
}

///////////////////////////////////////////////////////////////////////////////
// Mutation (single writer)
///////////////////////////////////////////////////////////////////////////////

// Push appends recs in order and returns the new count. Once the ring has
// wrapped, the oldest records are overwritten silently.
func (s *Store) Push(recs timebase.Records) (uint64, error) {
	const op = "ringstore.Push"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	if err := recs.Check(s.base.Format); err != nil {
		if e, ok := err.(*tagerr.Error); ok {
			e.Op, e.Name = op, s.name
		}
		return 0, err
	}
	cc := s.channelCount
	for i, ch := range recs.Channels {
		if int(ch) >= cc {
			return 0, tagerr.New(tagerr.Value, op, s.name, "channel "+utils.Utoa(uint64(ch))+" at position "+utils.Itoa(int64(i))+" >= channel count")
		}
	}
	if s.deltas != nil {
		for _, d := range recs.Deltas {
			if d >= s.periodBins {
				return 0, tagerr.New(tagerr.Value, op, s.name, "delta "+utils.Utoa(d)+" not below clock period bins")
			}
		}
	}

	n := uint64(recs.Len())
	count := s.hdr.count()
	// Only the newest capacity records survive a single oversized push.
	skip := uint64(0)
	if n > s.capacity {
		skip = n - s.capacity
	}
	for k := skip; k < n; k++ {
		p := s.slot(count + k)
		s.channels[p] = recs.Channels[k]
		if s.deltas != nil {
			s.times[p] = recs.Clocks[k]
			s.deltas[p] = recs.Deltas[k]
		} else {
			s.times[p] = recs.Timestamps[k]
		}
	}
	count += n
	s.hdr.setCount(count)
	s.pushed.Add(float64(n))
	return count, nil
}

// Clear resets count to zero and zeroes the record columns. Reference
// count and registry entry are untouched.
func (s *Store) Clear() error {
	if err := s.checkOpen("ringstore.Clear"); err != nil {
		return err
	}
	s.hdr.setCount(0)
	clear(s.times)
	clear(s.deltas)
	clear(s.channels)
	s.register()
	return nil
}
