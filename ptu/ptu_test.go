package ptu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tagring/ringstore"
	"tagring/tagerr"
	"tagring/timebase"
	"tagring/utils"
)

// ============================================================================
// SYNTHETIC FILES
// ============================================================================

type tagSpec struct {
	name    string
	idx     int32
	typ     TagType
	val     int64
	payload []byte
}

func intTag(name string, v int64) tagSpec { return tagSpec{name: name, idx: -1, typ: TyInt8, val: v} }
func floatTag(name string, v float64) tagSpec {
	return tagSpec{name: name, idx: -1, typ: TyFloat8, val: int64(math.Float64bits(v))}
}

func encodeHeader(tags []tagSpec) []byte {
	var b bytes.Buffer
	pro := make([]byte, 16)
	copy(pro, Magic)
	copy(pro[8:], "1.0.00")
	b.Write(pro)
	for _, tg := range append(tags, tagSpec{name: headerEnd, idx: -1, typ: TyEmpty8}) {
		rec := make([]byte, 48)
		copy(rec[:32], tg.name)
		utils.StoreLE32(rec[32:], uint32(tg.idx))
		utils.StoreLE32(rec[36:], uint32(tg.typ))
		val := tg.val
		if tg.payload != nil {
			val = int64(len(tg.payload))
		}
		utils.StoreLE64(rec[40:], uint64(val))
		b.Write(rec)
		b.Write(tg.payload)
	}
	return b.Bytes()
}

func baseTags(kind RecordType, inputs int64, records int64) []tagSpec {
	return []tagSpec{
		{name: "File_Comment", idx: -1, typ: TyAnsiString, payload: []byte("synthetic\x00\x00\x00\x00\x00\x00\x00")},
		intTag(TagRecordType, int64(kind)),
		intTag(TagNumRecords, records),
		intTag(TagInputChannels, inputs),
		floatTag(TagResolution, 1e-12),
		floatTag(TagGlobalResolution, 12.5e-9),
	}
}

func writePTU(t *testing.T, tags []tagSpec, words []uint32) string {
	t.Helper()
	data := encodeHeader(tags)
	for _, w := range words {
		var b [4]byte
		utils.StoreLE32(b[:], w)
		data = append(data, b[:]...)
	}
	path := filepath.Join(t.TempDir(), "run.ptu")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

// HydraHarp v2 word builders.
func t2Photon(ch, tt uint32) uint32 { return ch<<25 | tt }
func t2Sync(tt uint32) uint32       { return 1<<31 | tt }
func t2Marker(m, tt uint32) uint32  { return 1<<31 | m<<25 | tt }
func t2Overflow(n uint32) uint32    { return 1<<31 | 0x3F<<25 | n }
func t3Photon(ch, dtime, nsync uint32) uint32 {
	return ch<<25 | dtime<<10 | nsync
}
func t3Overflow(n uint32) uint32 { return 1<<31 | 0x3F<<25 | n }

func testOpts(t *testing.T) ringstore.Options {
	t.Helper()
	return ringstore.Options{Dir: t.TempDir()}
}

func openReader(t *testing.T, path string, opts ringstore.Options) *Reader {
	t.Helper()
	r, err := Open(path, "ptu-test", 64, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// ============================================================================
// HEADER
// ============================================================================

func TestParseHeaderTagTypes(t *testing.T) {
	wide := []byte{'h', 0, 'i', 0, 0, 0, 0, 0}
	tags := []tagSpec{
		{name: "Flag", idx: -1, typ: TyBool8, val: 1},
		{name: "Count", idx: -1, typ: TyInt8, val: -7},
		{name: "Bits", idx: -1, typ: TyBitSet64, val: 0xF0},
		floatTag("Res", 2.5e-12),
		{name: "When", idx: -1, typ: TyTDateTime, val: int64(math.Float64bits(1.5))},
		{name: "Ansi", idx: -1, typ: TyAnsiString, payload: []byte("caf\xe9\x00\x00\x00\x00")},
		{name: "Wide", idx: -1, typ: TyWideString, payload: wide},
		{name: "Arr", idx: -1, typ: TyFloat8Array, payload: func() []byte {
			b := make([]byte, 16)
			utils.StoreLE64(b, math.Float64bits(1.25))
			utils.StoreLE64(b[8:], math.Float64bits(-3))
			return b
		}()},
		{name: "Blob", idx: -1, typ: TyBinaryBlob, payload: []byte{1, 2, 3}},
		{name: "Chan", idx: 2, typ: TyInt8, val: 42},
		{name: "Nothing", idx: -1, typ: TyEmpty8},
	}
	raw := encodeHeader(tags)
	h, err := ParseHeader(bytes.NewReader(append(raw, 0xAA, 0xBB, 0xCC, 0xDD)))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Version != "1.0.00" {
		t.Errorf("version = %q", h.Version)
	}
	if h.Size != int64(len(raw)) {
		t.Errorf("size = %d, want %d", h.Size, len(raw))
	}
	if b, ok := h.Bool("Flag"); !ok || !b {
		t.Errorf("Flag = %v %v", b, ok)
	}
	if v, ok := h.Int("Count"); !ok || v != -7 {
		t.Errorf("Count = %d %v", v, ok)
	}
	if v, ok := h.Int("Bits"); !ok || v != 0xF0 {
		t.Errorf("Bits = %d %v", v, ok)
	}
	if v, ok := h.Float("Res"); !ok || v != 2.5e-12 {
		t.Errorf("Res = %g %v", v, ok)
	}
	want := time.Date(1899, time.December, 31, 12, 0, 0, 0, time.UTC)
	if v, ok := h.Time("When"); !ok || !v.Equal(want) {
		t.Errorf("When = %v %v", v, ok)
	}
	if s, ok := h.String("Ansi"); !ok || s != "café" {
		t.Errorf("Ansi = %q %v", s, ok)
	}
	if s, ok := h.String("Wide"); !ok || s != "hi" {
		t.Errorf("Wide = %q %v", s, ok)
	}
	if tg, ok := h.Lookup("Arr"); !ok {
		t.Error("Arr missing")
	} else if arr := tg.Value.([]float64); len(arr) != 2 || arr[0] != 1.25 || arr[1] != -3 {
		t.Errorf("Arr = %v", arr)
	}
	if tg, ok := h.Lookup("Blob"); !ok || !bytes.Equal(tg.Value.([]byte), []byte{1, 2, 3}) {
		t.Errorf("Blob = %v", tg.Value)
	}
	if v, ok := h.Int("Chan(2)"); !ok || v != 42 {
		t.Errorf("Chan(2) = %d %v", v, ok)
	}
	if _, ok := h.Int("Chan"); ok {
		t.Error("indexed tag reachable without its index")
	}
	if tg, ok := h.Lookup("Nothing"); !ok || tg.Value != nil {
		t.Errorf("Nothing = %v", tg.Value)
	}
	if h.Order[0] != "Flag" || h.Order[len(h.Order)-1] != headerEnd {
		t.Errorf("order = %v", h.Order)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	good := encodeHeader([]tagSpec{intTag("A", 1)})
	bad := append([]byte("NOTPTU\x00\x00"), good[8:]...)
	cases := []struct {
		name string
		data []byte
	}{
		{"bad magic", bad},
		{"short prologue", good[:10]},
		{"no Header_End", good[:16+48]},
		{"unknown tag type", encodeHeader([]tagSpec{{name: "X", idx: -1, typ: 0x12345678}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseHeader(bytes.NewReader(tc.data))
			if !tagerr.Is(err, tagerr.Format) {
				t.Fatalf("err = %v, want Format", err)
			}
		})
	}
}

func TestTDateTime(t *testing.T) {
	got := TDateTime(45000.25)
	want := time.Date(2023, time.March, 15, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("TDateTime = %v, want %v", got, want)
	}
}

// ============================================================================
// DECODERS
// ============================================================================

func TestDecodePicoHarp(t *testing.T) {
	var st state
	if _, ok := decodePicoT2(0xF<<28, &st); ok || st.overflow != picoT2Wrap {
		t.Fatalf("T2 overflow: ok=%v overflow=%d", ok, st.overflow)
	}
	if _, ok := decodePicoT2(0xF<<28|0x3, &st); ok || st.markers != 1 {
		t.Fatalf("T2 marker: ok=%v markers=%d", ok, st.markers)
	}
	rec, ok := decodePicoT2(1<<28|100, &st)
	if !ok || rec.Channel != 1 || rec.Timestamp != picoT2Wrap+100 {
		t.Fatalf("T2 photon = %+v %v", rec, ok)
	}

	st = state{}
	if _, ok := decodePicoT3(0xF<<28|7, &st); ok || st.overflow != picoT3Wrap {
		t.Fatalf("T3 overflow: ok=%v overflow=%d", ok, st.overflow)
	}
	rec, ok = decodePicoT3(2<<28|55<<16|9, &st)
	if !ok || rec.Channel != 2 || rec.Delta != 55 || rec.Clock != picoT3Wrap+9 {
		t.Fatalf("T3 photon = %+v %v", rec, ok)
	}
}

func TestDecodeHydraHarpOverflowVersions(t *testing.T) {
	var v1, v2 state
	decodeHydraT2V1(t2Overflow(3), &v1)
	decodeHydraT2V2(t2Overflow(3), &v2)
	if v1.overflow != hydraT2WrapV1 {
		t.Errorf("v1 overflow = %d, want one wrap", v1.overflow)
	}
	if v2.overflow != 3*hydraT2WrapV2 {
		t.Errorf("v2 overflow = %d, want three wraps", v2.overflow)
	}
	decodeHydraT2V2(t2Overflow(0), &v2)
	if v2.overflow != 4*hydraT2WrapV2 {
		t.Errorf("v2 overflow with zero count = %d", v2.overflow)
	}

	var t3 state
	decodeHydraT3V2(t3Overflow(5), &t3)
	rec, ok := decodeHydraT3V2(t3Photon(1, 20, 7), &t3)
	if !ok || rec.Clock != 5*hydraT3Wrap+7 || rec.Delta != 20 || rec.Channel != 1 {
		t.Fatalf("T3 photon = %+v %v", rec, ok)
	}
}

// ============================================================================
// READER
// ============================================================================

func TestOpenT2ProducesStandard(t *testing.T) {
	words := []uint32{
		t2Sync(5),
		t2Photon(0, 10),
		t2Marker(2, 11),
		t2Overflow(2),
		t2Photon(1, 3),
	}
	path := writePTU(t, baseTags(HydraHarp2T2, 4, int64(len(words))), words)
	r := openReader(t, path, testOpts(t))

	s := r.Store()
	if s.Format() != timebase.Standard || s.ChannelCount() != 5 || s.Resolution() != 1e-12 {
		t.Fatalf("store = %s cc=%d res=%g", s.Format(), s.ChannelCount(), s.Resolution())
	}
	if r.RecordType() != HydraHarp2T2 || r.RecordType().String() != "HydraHarp2T2" {
		t.Fatalf("record type = %v", r.RecordType())
	}

	n, err := r.Read(100)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	want := []timebase.Record{
		{Channel: 0, Timestamp: 5},
		{Channel: 1, Timestamp: 10},
		{Channel: 2, Timestamp: 2*hydraT2WrapV2 + 3},
	}
	for i, w := range want {
		if got := s.At(uint64(i)); got != w {
			t.Errorf("record %d = %+v, want %+v", i, got, w)
		}
	}
	st := r.Status()
	if st.WordsRead != 5 || st.Pushed != 3 || st.Overflows != 1 || st.Markers != 1 {
		t.Errorf("status = %+v", st)
	}
	if !r.Done() {
		t.Error("reader not done after consuming every word")
	}
	if _, err := r.Read(1); !errors.Is(err, io.EOF) {
		t.Fatalf("Read after end = %v, want EOF", err)
	}
}

func TestOpenT3ProducesClocked(t *testing.T) {
	words := []uint32{
		t3Photon(0, 100, 1),
		t3Overflow(1),
		t3Photon(1, 200, 3),
	}
	path := writePTU(t, baseTags(HydraHarp2T3, 2, int64(len(words))), words)
	r := openReader(t, path, testOpts(t))

	s := r.Store()
	if s.Format() != timebase.Clocked {
		t.Fatalf("format = %s", s.Format())
	}
	if s.ClockPeriod() != 12.5e-9 || s.Resolution() != 1e-12 {
		t.Fatalf("clock period %g resolution %g", s.ClockPeriod(), s.Resolution())
	}
	if _, err := r.Read(10); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := s.At(1); got.Clock != hydraT3Wrap+3 || got.Delta != 200 || got.Channel != 1 {
		t.Fatalf("record 1 = %+v", got)
	}
}

func TestOpenUnsupportedRecordType(t *testing.T) {
	opts := testOpts(t)
	path := writePTU(t, baseTags(RecordType(0xDEAD), 2, 1), []uint32{1})
	_, err := Open(path, "ptu-test", 64, opts)
	if !tagerr.Is(err, tagerr.UnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if ringstore.Exists("ptu-test", opts) {
		t.Fatal("buffer created for an unsupported file")
	}
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.ptu")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 256), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, "ptu-test", 64, testOpts(t)); !tagerr.Is(err, tagerr.Format) {
		t.Fatalf("err = %v, want Format", err)
	}
}

func TestRecordCountInferredFromSize(t *testing.T) {
	words := []uint32{t2Photon(0, 1), t2Photon(0, 2), t2Photon(1, 3), t2Photon(1, 4)}
	path := writePTU(t, baseTags(HydraHarp2T2, 2, 0), words)
	r := openReader(t, path, testOpts(t))
	if got := r.Status().RecordsInFile; got != 4 {
		t.Fatalf("RecordsInFile = %d, want 4", got)
	}
}

func TestReadDropsChannelsBeyondBuffer(t *testing.T) {
	words := []uint32{t2Photon(0, 1), t2Photon(3, 2), t2Photon(0, 3)}
	path := writePTU(t, baseTags(HydraHarp2T2, 1, int64(len(words))), words)
	r := openReader(t, path, testOpts(t))
	n, err := r.Read(10)
	if err != nil || n != 2 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if r.Status().Dropped != 1 {
		t.Fatalf("dropped = %d", r.Status().Dropped)
	}
}

func TestReadTruncatedFile(t *testing.T) {
	words := []uint32{t2Photon(0, 1), t2Photon(0, 2), t2Photon(0, 3)}
	path := writePTU(t, baseTags(HydraHarp2T2, 2, 10), words)
	r := openReader(t, path, testOpts(t))
	n, err := r.Read(8)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !r.Done() || r.Status().RecordsInFile != 3 {
		t.Fatalf("status = %+v", r.Status())
	}
}

func TestReadAllInChunks(t *testing.T) {
	var words []uint32
	for i := uint32(0); i < 50; i++ {
		words = append(words, t2Photon(i%2, i*10))
		if i%10 == 9 {
			words = append(words, t2Overflow(1))
		}
	}
	path := writePTU(t, baseTags(HydraHarp2T2, 2, int64(len(words))), words)
	r := openReader(t, path, testOpts(t))

	total, err := r.ReadAll(context.Background(), 7)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if total != 50 || r.Store().Count() != 50 {
		t.Fatalf("total = %d count = %d", total, r.Store().Count())
	}
	last := r.Store().At(49)
	if last.Timestamp != 4*hydraT2WrapV2+490 {
		t.Fatalf("last timestamp = %d", last.Timestamp)
	}
}

func TestReadAllCancelled(t *testing.T) {
	path := writePTU(t, baseTags(HydraHarp2T2, 2, 2), []uint32{t2Photon(0, 1), t2Photon(0, 2)})
	r := openReader(t, path, testOpts(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadAll(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
}

func BenchmarkDecodeHydraT2(b *testing.B) {
	var st state
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		decodeHydraT2V2(t2Photon(uint32(i)&3, uint32(i)&0x1FFFFFF), &st)
	}
}
