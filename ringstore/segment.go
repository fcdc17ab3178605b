// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: segment.go — Named shared-memory segments and header layout
//
// Purpose:
//   - Maps a buffer name onto a file in the segment directory.
//   - Creates (O_EXCL), attaches to and unlinks MAP_SHARED mappings.
//   - Defines the fixed 128-byte header every process agrees on.
//
// Header layout (little-endian, 8-byte aligned):
//
//	0   magic          u64  written last on create, atomically
//	8   format         u32
//	12  channel_count  u32
//	16  capacity       u64
//	24  count          u64  atomic
//	32  reference_count i64 atomic
//	40  resolution     f64 bits
//	48  clock_period   f64 bits
//	56  reserved
//
// Record columns follow at HeaderSize: u64 timestamps (or clocks), u64
// deltas for Clocked buffers, then u8 channels.
// ─────────────────────────────────────────────────────────────────────────────

package ringstore

import (
	"encoding/hex"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/crypto/sha3"
	"golang.org/x/sys/unix"

	"tagring/constants"
	"tagring/tagerr"
	"tagring/timebase"
	"tagring/utils"
)

const (
	offMagic       = 0
	offFormat      = 8
	offChannels    = 12
	offCapacity    = 16
	offCount       = 24
	offRefs        = 32
	offResolution  = 40
	offClockPeriod = 48
)

///////////////////////////////////////////////////////////////////////////////
// Naming
///////////////////////////////////////////////////////////////////////////////

// segmentFile maps a buffer name onto a portable file name. Names that are
// too long or not path-safe are replaced by a SHA3-256 digest.
func segmentFile(name string) string {
	if len(name) <= constants.MaxSegmentName && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\\x00") {
		return constants.SegmentPrefix + name
	}
	sum := sha3.Sum256([]byte(name))
	return constants.SegmentPrefix + "h-" + hex.EncodeToString(sum[:16])
}

func segmentPath(name string, opts Options) string {
	dir := opts.Dir
	if dir == "" {
		dir = defaultDir()
	}
	return filepath.Join(dir, segmentFile(name))
}

// recordBytes is the column footprint of one record: u64 times (plus u64
// deltas for Clocked) and a u8 channel.
func recordBytes(f timebase.Format) uint64 {
	if f == timebase.Clocked {
		return 17
	}
	return 9
}

// maxCapacity is the largest capacity whose mapping length fits in an int.
func maxCapacity(f timebase.Format) uint64 {
	return (math.MaxInt - constants.HeaderSize) / recordBytes(f)
}

// segmentSize is the byte length of a mapping holding capacity records.
// Callers keep capacity <= maxCapacity(f).
func segmentSize(f timebase.Format, capacity uint64) uint64 {
	return constants.HeaderSize + capacity*recordBytes(f)
}

///////////////////////////////////////////////////////////////////////////////
// Mapping
///////////////////////////////////////////////////////////////////////////////

// lifecycleErr translates errno values into lifecycle kinds.
func lifecycleErr(op, name string, err error) error {
	switch {
	case errors.Is(err, unix.EEXIST):
		return tagerr.Wrap(tagerr.AlreadyExists, op, name, err)
	case errors.Is(err, unix.ENOENT):
		return tagerr.Wrap(tagerr.NotFound, op, name, err)
	}
	return tagerr.Wrap(tagerr.Resource, op, name, err)
}

// createSegment makes a new zero-filled file of size bytes and maps it.
func createSegment(path string, size uint64) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, err
	}
	return mem, nil
}

// openSegment maps an existing file in full.
func openSegment(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	if st.Size < constants.HeaderSize {
		return nil, unix.EINVAL
	}
	return unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

///////////////////////////////////////////////////////////////////////////////
// Header access
///////////////////////////////////////////////////////////////////////////////

type header []byte

func (h header) word(off int) *uint64 { return (*uint64)(unsafe.Pointer(&h[off])) }

func (h header) magic() uint64     { return atomic.LoadUint64(h.word(offMagic)) }
func (h header) publish()          { atomic.StoreUint64(h.word(offMagic), constants.SegmentMagic) }
func (h header) count() uint64     { return atomic.LoadUint64(h.word(offCount)) }
func (h header) setCount(v uint64) { atomic.StoreUint64(h.word(offCount), v) }
func (h header) refs() int64       { return atomic.LoadInt64((*int64)(unsafe.Pointer(&h[offRefs]))) }
func (h header) addRefs(d int64) int64 {
	return atomic.AddInt64((*int64)(unsafe.Pointer(&h[offRefs])), d)
}

func (h header) format() timebase.Format { return timebase.Format(utils.LoadLE32(h[offFormat:])) }
func (h header) channelCount() int       { return int(utils.LoadLE32(h[offChannels:])) }
func (h header) capacity() uint64        { return utils.LoadLE64(h[offCapacity:]) }
func (h header) resolution() float64     { return utils.LoadLEF64(h[offResolution:]) }
func (h header) clockPeriod() float64    { return utils.LoadLEF64(h[offClockPeriod:]) }

// init writes the immutable fields. The magic is published separately.
func (h header) init(cfg Config) {
	utils.StoreLE32(h[offFormat:], uint32(cfg.Format))
	utils.StoreLE32(h[offChannels:], uint32(cfg.ChannelCount))
	utils.StoreLE64(h[offCapacity:], cfg.Capacity)
	utils.StoreLE64(h[offResolution:], math.Float64bits(cfg.Resolution))
	utils.StoreLE64(h[offClockPeriod:], math.Float64bits(cfg.ClockPeriod))
	h.setCount(0)
	atomic.StoreInt64((*int64)(unsafe.Pointer(&h[offRefs])), 1)
}
