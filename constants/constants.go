// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Global tagring tunables
//
// Purpose:
//   - Shared-memory segment naming and header layout identifiers.
//   - Default sizing for buffers, PTU read chunks and registry paths.
//
// ⚠️ No runtime logic here: all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Shared Segments ─────────────────────────────

const (
	// SegmentPrefix is prepended to every buffer name to form the shm file
	// name, keeping tagring segments apart from other /dev/shm users.
	SegmentPrefix = "tagring."

	// MaxSegmentName bounds the shm file name. Longer (or path-unsafe)
	// names are replaced by a SHA3 digest.
	MaxSegmentName = 200

	// SegmentMagic marks an initialised tagring header ("TAGRING1").
	SegmentMagic = 0x31474E4952474154

	// HeaderSize is the fixed header in front of the record arrays. 128
	// bytes keeps the u64 columns cache-line aligned.
	HeaderSize = 128

	// ShmDir is the tmpfs directory backing named segments on Linux.
	ShmDir = "/dev/shm"
)

// ───────────────────────────── Buffer Sizing ──────────────────────────────

const (
	// DefaultCapacity is 2^24 records: 144 MiB for Standard, 272 MiB for
	// Clocked buffers.
	DefaultCapacity = 1 << 24

	// MaxChannels is the channel id space of a u8 channel column.
	MaxChannels = 256
)

// ─────────────────────────────── PTU Ingest ───────────────────────────────

const (
	// PTUReadChunk is the default number of 32-bit words per Read call.
	PTUReadChunk = 1 << 20

	// PTUTagSize is the fixed size of one header tag record.
	PTUTagSize = 48
)

// ──────────────────────────────── Registry ────────────────────────────────

const (
	// RegistryVendor and RegistryDir form <user config>/<vendor>/<dir>.
	RegistryVendor = "tagring"
	RegistryDir    = "buffers"

	// RegistryExt is the suffix of every registry entry file.
	RegistryExt = ".json"
)
