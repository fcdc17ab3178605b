package timebase

import "tagring/tagerr"

// Records is a column view of timetags: the push input from producers and
// the copy handed back by slices. Standard records fill Timestamps,
// Clocked records fill Clocks and Deltas.
type Records struct {
	Format     Format
	Channels   []uint8
	Timestamps []uint64
	Clocks     []uint64
	Deltas     []uint64
}

// NewRecords allocates n zeroed records of format f.
func NewRecords(f Format, n int) Records {
	r := Records{Format: f, Channels: make([]uint8, n)}
	if f == Clocked {
		r.Clocks = make([]uint64, n)
		r.Deltas = make([]uint64, n)
	} else {
		r.Timestamps = make([]uint64, n)
	}
	return r
}

// StandardRecords wraps existing Standard columns without copying.
func StandardRecords(channels []uint8, timestamps []uint64) Records {
	return Records{Format: Standard, Channels: channels, Timestamps: timestamps}
}

// ClockedRecords wraps existing Clocked columns without copying.
func ClockedRecords(channels []uint8, clocks, deltas []uint64) Records {
	return Records{Format: Clocked, Channels: channels, Clocks: clocks, Deltas: deltas}
}

// Len is the number of channel entries.
func (r Records) Len() int { return len(r.Channels) }

// Check validates the parallel columns against format f.
func (r Records) Check(f Format) error {
	const op = "timebase.Records"
	if r.Format != f {
		return tagerr.New(tagerr.Value, op, "", "record format "+r.Format.String()+" does not match buffer format "+f.String())
	}
	n := len(r.Channels)
	switch f {
	case Standard:
		if len(r.Timestamps) != n {
			return tagerr.New(tagerr.LengthMismatch, op, "", "channels and timestamps differ in length")
		}
	case Clocked:
		if len(r.Clocks) != n || len(r.Deltas) != n {
			return tagerr.New(tagerr.LengthMismatch, op, "", "channels, clocks and deltas differ in length")
		}
	default:
		return tagerr.New(tagerr.Value, op, "", "unknown record format")
	}
	if n == 0 {
		return tagerr.New(tagerr.EmptyPush, op, "", "")
	}
	return nil
}

// At returns record i.
func (r Records) At(i int) Record {
	rec := Record{Channel: r.Channels[i]}
	if r.Format == Clocked {
		rec.Clock, rec.Delta = r.Clocks[i], r.Deltas[i]
	} else {
		rec.Timestamp = r.Timestamps[i]
	}
	return rec
}

// Set stores rec at position i.
func (r Records) Set(i int, rec Record) {
	r.Channels[i] = rec.Channel
	if r.Format == Clocked {
		r.Clocks[i], r.Deltas[i] = rec.Clock, rec.Delta
	} else {
		r.Timestamps[i] = rec.Timestamp
	}
}

// Append adds rec to the end of every column.
func (r *Records) Append(rec Record) {
	r.Channels = append(r.Channels, rec.Channel)
	if r.Format == Clocked {
		r.Clocks = append(r.Clocks, rec.Clock)
		r.Deltas = append(r.Deltas, rec.Delta)
	} else {
		r.Timestamps = append(r.Timestamps, rec.Timestamp)
	}
}
