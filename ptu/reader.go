// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: reader.go — Streaming PTU → ring store producer
//
// Purpose:
//   - Parses the header, creates a buffer shaped by it and pushes decoded
//     records in caller-sized batches.
//
// Notes:
//   - T2 files produce Standard buffers with resolution = MeasDesc_Resolution.
//   - T3 files produce Clocked buffers with clock period =
//     MeasDesc_GlobalResolution and resolution = MeasDesc_Resolution.
//   - channel_count = HW_InpChannels + 1; anything above is dropped.
//   - Read never blocks waiting for data; at end of file it returns io.EOF.
//
// ⚠️ One Reader per buffer: it is the buffer's only writer.
// ─────────────────────────────────────────────────────────────────────────────

package ptu

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"tagring/constants"
	"tagring/control"
	"tagring/debug"
	"tagring/metrics"
	"tagring/ringstore"
	"tagring/tagerr"
	"tagring/timebase"
	"tagring/utils"
)

// Status is the reader's progress through the file.
type Status struct {
	RecordsInFile uint64 // words announced by the header (or inferred)
	WordsRead     uint64
	Pushed        uint64 // records pushed into the buffer
	Dropped       uint64 // records outside the buffer's channel or delta range
	Overflows     uint64 // overflow words seen
	Markers       uint64 // marker words skipped
	Overflow      uint64 // current wraparound accumulator
}

// Reader owns an open PTU file and the buffer it fills.
type Reader struct {
	path   string
	file   *os.File
	in     *bufio.Reader
	header *Header
	kind   RecordType
	dev    device
	store  *ringstore.Store
	st     state
	status Status
	words  []byte
	recs   timebase.Records
}

// Open parses path's header and creates a buffer named name with the
// given capacity (constants.DefaultCapacity when 0). Any failure closes
// the file and leaves no buffer behind.
func Open(path, name string, capacity uint64, opts ringstore.Options) (*Reader, error) {
	const op = "ptu.Open"
	f, err := os.Open(path)
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, op, name, err)
	}
	r, err := open(f, path, name, capacity, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	debug.DropMessage("ptu open", "reading "+r.kind.String(),
		"path", path, "buffer", name, "records", r.status.RecordsInFile)
	return r, nil
}

func open(f *os.File, path, name string, capacity uint64, opts ringstore.Options) (*Reader, error) {
	const op = "ptu.Open"
	in := bufio.NewReaderSize(f, 1<<16)
	hdr, err := ParseHeader(in)
	if err != nil {
		if e, ok := err.(*tagerr.Error); ok {
			e.Op, e.Name = op, name
		}
		return nil, err
	}
	kind, err := hdr.RecordType()
	if err != nil {
		return nil, err
	}
	dev, ok := devices[kind]
	if !ok {
		return nil, tagerr.New(tagerr.UnsupportedFormat, op, name, "unknown record type "+kind.String())
	}

	cfg, err := bufferConfig(hdr, dev.format, capacity)
	if err != nil {
		return nil, err
	}

	total := uint64(0)
	if v, ok := hdr.Int(TagNumRecords); ok && v > 0 {
		total = uint64(v)
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, tagerr.Wrap(tagerr.Resource, op, name, err)
		}
		if rest := fi.Size() - hdr.Size; rest > 0 {
			total = uint64(rest) / 4
		}
	}

	store, err := ringstore.Create(name, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Reader{
		path:   path,
		file:   f,
		in:     in,
		header: hdr,
		kind:   kind,
		dev:    dev,
		store:  store,
		status: Status{RecordsInFile: total},
		recs:   timebase.NewRecords(dev.format, 0),
	}, nil
}

// bufferConfig derives the buffer shape from the header.
func bufferConfig(hdr *Header, f timebase.Format, capacity uint64) (ringstore.Config, error) {
	const op = "ptu.Open"
	if capacity == 0 {
		capacity = constants.DefaultCapacity
	}
	inputs, ok := hdr.Int(TagInputChannels)
	if !ok || inputs <= 0 || inputs >= constants.MaxChannels {
		return ringstore.Config{}, tagerr.New(tagerr.Format, op, "", "missing or invalid "+TagInputChannels)
	}
	res, ok := hdr.Float(TagResolution)
	if !ok || !(res > 0) {
		return ringstore.Config{}, tagerr.New(tagerr.Format, op, "", "missing or invalid "+TagResolution)
	}
	cfg := ringstore.Config{
		Format:       f,
		Capacity:     capacity,
		ChannelCount: int(inputs) + 1,
		Resolution:   res,
	}
	if f == timebase.Clocked {
		period, ok := hdr.Float(TagGlobalResolution)
		if !ok || !(period > 0) {
			return ringstore.Config{}, tagerr.New(tagerr.Format, op, "", "missing or invalid "+TagGlobalResolution)
		}
		cfg.ClockPeriod = period
	}
	return cfg, nil
}

///////////////////////////////////////////////////////////////////////////////
// Accessors
///////////////////////////////////////////////////////////////////////////////

func (r *Reader) Header() *Header         { return r.header }
func (r *Reader) RecordType() RecordType  { return r.kind }
func (r *Reader) Store() *ringstore.Store { return r.store }
func (r *Reader) Status() Status          { return r.status }
func (r *Reader) Path() string            { return r.path }
func (r *Reader) Format() timebase.Format { return r.dev.format }
func (r *Reader) Remaining() uint64       { return r.status.RecordsInFile - r.status.WordsRead }
func (r *Reader) Done() bool              { return r.status.WordsRead >= r.status.RecordsInFile }

///////////////////////////////////////////////////////////////////////////////
// Streaming
///////////////////////////////////////////////////////////////////////////////

// Read decodes up to n words and pushes the resulting records. It returns
// the number of records pushed, which is less than n whenever overflow or
// marker words were consumed. io.EOF is returned once the file is
// exhausted; a truncated tail stops the reader at the last whole word.
func (r *Reader) Read(n int) (int, error) {
	const op = "ptu.Read"
	if n <= 0 {
		return 0, tagerr.New(tagerr.Value, op, r.store.Name(), "word count must be > 0")
	}
	if r.Done() {
		return 0, io.EOF
	}
	want := min(uint64(n), r.Remaining())
	if cap(r.words) < int(want)*4 {
		r.words = make([]byte, want*4)
	}
	buf := r.words[:want*4]
	got, err := io.ReadFull(r.in, buf)
	words := uint64(got / 4)
	truncated := false
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		truncated = true
	default:
		return 0, tagerr.Wrap(tagerr.Resource, op, r.store.Name(), err)
	}

	pushed, err := r.decode(buf[:words*4])
	r.status.WordsRead += words
	if truncated {
		debug.DropWarning("ptu read", "file ends before the announced record count",
			"path", r.path, "words", r.status.WordsRead, "expected", r.status.RecordsInFile)
		r.status.RecordsInFile = r.status.WordsRead
	}
	if err != nil {
		return 0, err
	}
	if pushed == 0 && words == 0 {
		return 0, io.EOF
	}
	return pushed, nil
}

// decode turns raw words into records and pushes them as one batch.
func (r *Reader) decode(buf []byte) (int, error) {
	cc := uint8(r.store.ChannelCount() - 1)
	period := r.store.ClockPeriodBins()
	clocked := r.dev.format == timebase.Clocked
	before := r.st.overflows

	recs := &r.recs
	recs.Channels = recs.Channels[:0]
	recs.Timestamps = recs.Timestamps[:0]
	recs.Clocks = recs.Clocks[:0]
	recs.Deltas = recs.Deltas[:0]

	for off := 0; off+4 <= len(buf); off += 4 {
		rec, ok := r.dev.decode(utils.LoadLE32(buf[off:]), &r.st)
		if !ok {
			continue
		}
		if rec.Channel > cc || (clocked && rec.Delta >= period) {
			r.status.Dropped++
			continue
		}
		recs.Append(rec)
	}

	metrics.PTUWords.Add(float64(len(buf) / 4))
	metrics.PTUOverflows.Add(float64(r.st.overflows - before))
	r.status.Overflows = r.st.overflows
	r.status.Markers = r.st.markers
	r.status.Overflow = r.st.overflow

	n := recs.Len()
	if n == 0 {
		return 0, nil
	}
	if _, err := r.store.Push(*recs); err != nil {
		return 0, err
	}
	r.status.Pushed += uint64(n)
	control.SignalActivity()
	return n, nil
}

// ReadAll reads chunk words at a time until end of file, cancellation or
// a shutdown request. It returns the records pushed by this call.
func (r *Reader) ReadAll(ctx context.Context, chunk int) (uint64, error) {
	if chunk <= 0 {
		chunk = constants.PTUReadChunk
	}
	var total uint64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if control.Stopping() {
			return total, context.Canceled
		}
		n, err := r.Read(chunk)
		total += uint64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Close releases the file and detaches from the buffer. The buffer
// survives while other processes remain attached.
func (r *Reader) Close() error {
	ferr := r.file.Close()
	serr := r.store.Close()
	if serr != nil {
		return serr
	}
	if ferr != nil {
		return tagerr.Wrap(tagerr.Resource, "ptu.Close", r.store.Name(), ferr)
	}
	return nil
}
