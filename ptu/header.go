// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: header.go — PTU tag directory parser
//
// Purpose:
//   - Validates the 16-byte prologue (magic + version string).
//   - Walks the 48-byte tag records up to "Header_End" and keeps every
//     tag addressable by name or name(index).
//
// Notes:
//   - Tag layout: 32-byte NUL-padded name, i32 index, u32 type, i64 value.
//   - String, array and blob tags carry value bytes of payload right after
//     the fixed record.
//   - Float tags store the IEEE-754 bits in the value field.
// ─────────────────────────────────────────────────────────────────────────────

package ptu

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"tagring/constants"
	"tagring/tagerr"
	"tagring/utils"
)

// Magic opens every PTU file.
const Magic = "PQTTTR"

const headerEnd = "Header_End"

// maxPayload bounds a single string/array/blob tag.
const maxPayload = 1 << 26

// TagType is the type code of a header tag.
type TagType uint32

const (
	TyEmpty8      TagType = 0xFFFF0008
	TyBool8       TagType = 0x00000008
	TyInt8        TagType = 0x10000008
	TyBitSet64    TagType = 0x11000008
	TyColor8      TagType = 0x12000008
	TyFloat8      TagType = 0x20000008
	TyTDateTime   TagType = 0x21000008
	TyFloat8Array TagType = 0x2001FFFF
	TyAnsiString  TagType = 0x4001FFFF
	TyWideString  TagType = 0x4002FFFF
	TyBinaryBlob  TagType = 0xFFFFFFFF
)

var tagTypeNames = map[TagType]string{
	TyEmpty8:      "Empty8",
	TyBool8:       "Bool8",
	TyInt8:        "Int8",
	TyBitSet64:    "BitSet64",
	TyColor8:      "Color8",
	TyFloat8:      "Float8",
	TyTDateTime:   "TDateTime",
	TyFloat8Array: "Float8Array",
	TyAnsiString:  "AnsiString",
	TyWideString:  "WideString",
	TyBinaryBlob:  "BinaryBlob",
}

func (t TagType) String() string {
	if s, ok := tagTypeNames[t]; ok {
		return s
	}
	return "0x" + strconv.FormatUint(uint64(t), 16)
}

// hasPayload reports whether the value field is a byte length.
func (t TagType) hasPayload() bool {
	return t == TyFloat8Array || t == TyAnsiString || t == TyWideString || t == TyBinaryBlob
}

// Tag is one decoded header entry. Value holds nil, bool, int64, float64,
// time.Time, string, []float64 or []byte depending on Type.
type Tag struct {
	Name  string
	Index int32
	Type  TagType
	Raw   int64
	Value any
}

// Key is Name, or Name(Index) for indexed tags.
func (t Tag) Key() string {
	if t.Index == -1 {
		return t.Name
	}
	return t.Name + "(" + strconv.Itoa(int(t.Index)) + ")"
}

// Header is the parsed tag directory.
type Header struct {
	Version string
	Tags    map[string]Tag
	Order   []string // keys in file order
	Size    int64    // bytes up to and including the Header_End tag
}

// tdateTimeEpoch is day zero of the Delphi TDateTime encoding.
var tdateTimeEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// TDateTime converts fractional days since 1899-12-30 to UTC.
func TDateTime(days float64) time.Time {
	return tdateTimeEpoch.Add(time.Duration(days * float64(24*time.Hour)))
}

// ParseHeader reads the prologue and tag directory from r, leaving r
// positioned at the first record word.
func ParseHeader(r io.Reader) (*Header, error) {
	const op = "ptu.ParseHeader"
	var pro [16]byte
	if _, err := io.ReadFull(r, pro[:]); err != nil {
		return nil, tagerr.Wrap(tagerr.Format, op, "", err)
	}
	if utils.B2s(utils.CString(pro[:8])) != Magic {
		return nil, tagerr.New(tagerr.Format, op, "", "bad magic, not a PTU file")
	}
	h := &Header{
		Version: strings.TrimSpace(string(utils.CString(pro[8:16]))),
		Tags:    make(map[string]Tag, 64),
		Size:    16,
	}

	var rec [constants.PTUTagSize]byte
	for {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, tagerr.Wrap(tagerr.Format, op, "", err)
		}
		h.Size += constants.PTUTagSize
		tag := Tag{
			Name:  string(utils.CString(rec[:32])),
			Index: int32(utils.LoadLE32(rec[32:])),
			Type:  TagType(utils.LoadLE32(rec[36:])),
			Raw:   int64(utils.LoadLE64(rec[40:])),
		}
		if err := h.decodeValue(r, &tag); err != nil {
			return nil, err
		}
		key := tag.Key()
		if _, dup := h.Tags[key]; !dup {
			h.Order = append(h.Order, key)
		}
		h.Tags[key] = tag
		if tag.Name == headerEnd {
			return h, nil
		}
	}
}

func (h *Header) decodeValue(r io.Reader, tag *Tag) error {
	const op = "ptu.ParseHeader"
	switch tag.Type {
	case TyEmpty8:
		tag.Value = nil
	case TyBool8:
		tag.Value = tag.Raw != 0
	case TyInt8, TyBitSet64, TyColor8:
		tag.Value = tag.Raw
	case TyFloat8:
		tag.Value = math.Float64frombits(uint64(tag.Raw))
	case TyTDateTime:
		tag.Value = TDateTime(math.Float64frombits(uint64(tag.Raw)))
	default:
		if !tag.Type.hasPayload() {
			return tagerr.New(tagerr.Format, op, "", "tag "+tag.Key()+" has unknown type "+tag.Type.String())
		}
		if tag.Raw < 0 || tag.Raw > maxPayload {
			return tagerr.New(tagerr.Format, op, "", "tag "+tag.Key()+" payload length out of range")
		}
		buf := make([]byte, tag.Raw)
		if _, err := io.ReadFull(r, buf); err != nil {
			return tagerr.Wrap(tagerr.Format, op, "", err)
		}
		h.Size += tag.Raw
		v, err := decodePayload(tag.Type, buf)
		if err != nil {
			return tagerr.Wrap(tagerr.Format, op, "", err)
		}
		tag.Value = v
	}
	return nil
}

func decodePayload(t TagType, buf []byte) (any, error) {
	switch t {
	case TyFloat8Array:
		out := make([]float64, len(buf)/8)
		for i := range out {
			out[i] = utils.LoadLEF64(buf[i*8:])
		}
		return out, nil
	case TyAnsiString:
		s, err := charmap.Windows1252.NewDecoder().Bytes(utils.CString(buf))
		return string(s), err
	case TyWideString:
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		s, err := dec.Bytes(buf)
		if err != nil {
			return nil, err
		}
		if i := bytes.IndexByte(s, 0); i >= 0 {
			s = s[:i]
		}
		return string(s), nil
	}
	return buf, nil
}

///////////////////////////////////////////////////////////////////////////////
// Typed access
///////////////////////////////////////////////////////////////////////////////

// Lookup returns the tag stored under key.
func (h *Header) Lookup(key string) (Tag, bool) {
	t, ok := h.Tags[key]
	return t, ok
}

// Int returns an integer-valued tag.
func (h *Header) Int(key string) (int64, bool) {
	t, ok := h.Tags[key]
	if !ok {
		return 0, false
	}
	switch v := t.Value.(type) {
	case int64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Float returns a float tag. Integer tags are converted.
func (h *Header) Float(key string) (float64, bool) {
	t, ok := h.Tags[key]
	if !ok {
		return 0, false
	}
	switch v := t.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// String returns a string tag.
func (h *Header) String(key string) (string, bool) {
	t, ok := h.Tags[key]
	if !ok {
		return "", false
	}
	s, ok := t.Value.(string)
	return s, ok
}

// Bool returns a boolean tag.
func (h *Header) Bool(key string) (bool, bool) {
	t, ok := h.Tags[key]
	if !ok {
		return false, false
	}
	b, ok := t.Value.(bool)
	return b, ok
}

// Time returns a TDateTime tag.
func (h *Header) Time(key string) (time.Time, bool) {
	t, ok := h.Tags[key]
	if !ok {
		return time.Time{}, false
	}
	v, ok := t.Value.(time.Time)
	return v, ok
}

// RecordType returns the TTResultFormat_TTTRRecType code.
func (h *Header) RecordType() (RecordType, error) {
	v, ok := h.Int(TagRecordType)
	if !ok {
		return 0, tagerr.New(tagerr.Format, "ptu.Header", "", "missing "+TagRecordType)
	}
	return RecordType(uint32(v)), nil
}
