package tds

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseTypeInfoFixedInt(t *testing.T) {
	buf := []byte{byte(sqlTypeInt4), 0xDE, 0xAD, 0xBE, 0xEF}
	ti, next, err := parseTypeInfo(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ti.Type != sqlTypeInt4 || next != 1 {
		t.Errorf("unexpected type info: %+v next=%d", ti, next)
	}
}

func TestParseTypeInfoNVarCharHasCollation(t *testing.T) {
	buf := []byte{byte(sqlTypeNVarChar), 0xFF, 0xFF, 1, 2, 3, 4, 5}
	ti, next, err := parseTypeInfo(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ti.MaxLength != 0xFFFF {
		t.Errorf("expected max length 0xFFFF, got %d", ti.MaxLength)
	}
	if len(ti.Collation) != 5 || ti.Collation[0] != 1 {
		t.Errorf("expected 5-byte collation to be consumed, got %v", ti.Collation)
	}
	if next != len(buf) {
		t.Errorf("did not consume entire type info: next=%d, want %d", next, len(buf))
	}
}

func TestDecodeIntValueRoundTrip(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeInt4}
	buf := make([]byte, 4)
	var n int32 = -42
	binary.LittleEndian.PutUint32(buf, uint32(n))
	v, next, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindInt || v.Int64 != -42 || next != 4 {
		t.Errorf("unexpected decode: %+v next=%d", v, next)
	}
}

func TestDecodeDecimalPreservesPrecision(t *testing.T) {
	// DECIMAL(10,4) value 123.4567: sign byte (1=positive), then the
	// little-endian magnitude of 1234567.
	buf := []byte{1, 0x87, 0xD6, 0x12, 0x00}
	ti := TypeInfo{Type: sqlTypeDecimalN, Scale: 4}
	full := append([]byte{byte(len(buf))}, buf...)
	v, _, err := decodeValue(ti, full, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "123.4567" {
		t.Errorf("got %q, want %q", v.Str, "123.4567")
	}
}

func TestDecodeNegativeDecimal(t *testing.T) {
	buf := []byte{0, 0x87, 0xD6, 0x12, 0x00} // sign byte 0 = negative
	ti := TypeInfo{Type: sqlTypeDecimalN, Scale: 4}
	full := append([]byte{byte(len(buf))}, buf...)
	v, _, err := decodeValue(ti, full, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "-123.4567" {
		t.Errorf("got %q, want %q", v.Str, "-123.4567")
	}
}

func TestGUIDMixedEndianRoundTrip(t *testing.T) {
	u := uuid.MustParse("12345678-1234-5678-1234-567812345678")
	wire := guidToWire(u)
	back := guidFromWire(wire)
	if back != u {
		t.Errorf("round trip mismatch: got %s, want %s", back, u)
	}
}

func TestDecodeGUIDValue(t *testing.T) {
	u := uuid.New()
	wire := guidToWire(u)
	buf := append([]byte{16}, wire...)
	ti := TypeInfo{Type: sqlTypeGUID}
	v, next, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindUniqueIdentifier || v.UUID != u {
		t.Errorf("got %+v, want uuid %s", v, u)
	}
	if next != len(buf) {
		t.Errorf("next=%d, want %d", next, len(buf))
	}
}

func TestDecodePLPNVarChar(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeNVarChar, MaxLength: 0xFFFF}
	var buf []byte
	enc := encodeUCS2("a long max-length value")
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(enc)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
	buf = append(buf, enc...)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // terminator chunk

	v, next, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "a long max-length value" {
		t.Errorf("got %q", v.Str)
	}
	if next != len(buf) {
		t.Errorf("next=%d, want %d", next, len(buf))
	}
}

func TestDecodePLPNull(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeNVarChar, MaxLength: 0xFFFF}
	buf := binary.LittleEndian.AppendUint64(nil, plpNull)
	v, next, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Errorf("expected NULL, got %+v", v)
	}
	if next != 8 {
		t.Errorf("next=%d, want 8", next)
	}
}

func TestDecodePLPEmptyIsNotNull(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeNVarChar, MaxLength: 0xFFFF}
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, 0) // total length 0: empty, not NULL
	buf = binary.LittleEndian.AppendUint32(buf, 0) // terminator
	v, _, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.IsNull() {
		t.Error("a zero-length PLP value is empty, not NULL")
	}
	if v.Str != "" {
		t.Errorf("expected empty string, got %q", v.Str)
	}
}

func TestDecodeClassicNullSentinel(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeNVarChar, MaxLength: 200}
	buf := []byte{0xFF, 0xFF}
	v, next, err := decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() || next != 2 {
		t.Errorf("expected NULL at next=2, got %+v next=%d", v, next)
	}
}

func TestDecodeDateNullable(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeDateN}

	v, next, err := decodeValue(ti, []byte{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() || next != 1 {
		t.Errorf("expected NULL at next=1, got %+v next=%d", v, next)
	}

	// Day 1 after 0001-01-01.
	v, next, err = decodeValue(ti, []byte{3, 1, 0, 0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Time.Year() != 1 || v.Time.Month() != time.January || v.Time.Day() != 2 {
		t.Errorf("unexpected date: %v", v.Time)
	}
	if next != 4 {
		t.Errorf("next=%d, want 4", next)
	}
}

func TestDecodeDateTime2Scale(t *testing.T) {
	// scale 7 -> 5 time bytes + 3 date bytes; pick a round value: midnight
	// on day 0 (0001-01-01).
	buf := make([]byte, 8)
	ti := TypeInfo{Type: sqlTypeDateTime2N, Scale: 7}
	full := append([]byte{byte(len(buf))}, buf...)
	v, _, err := decodeValue(ti, full, 0)
	if err != nil {
		t.Fatal(err)
	}
	tm := v.Time
	if tm.Year() != 1 || tm.Month() != time.January || tm.Day() != 1 {
		t.Errorf("unexpected decoded date: %v", tm)
	}
}

func TestDecodeDateTimeOffset(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeDateTimeOffsetN, Scale: 7}
	timeBytes := make([]byte, 5)
	dateBytes := []byte{0, 0, 0} // day 0
	offsetBytes := make([]byte, 2)
	var offMinutes int16 = -300
	binary.LittleEndian.PutUint16(offsetBytes, uint16(offMinutes)) // -5h
	body := append(timeBytes, dateBytes...)
	body = append(body, offsetBytes...)
	full := append([]byte{byte(len(body))}, body...)

	v, _, err := decodeValue(ti, full, 0)
	if err != nil {
		t.Fatal(err)
	}
	tm := v.Time
	_, offset := tm.Zone()
	if offset != -300*60 {
		t.Errorf("got offset %d seconds, want %d", offset, -300*60)
	}
}

func TestParseTypeInfoTextConsumesTableName(t *testing.T) {
	buf := []byte{byte(sqlTypeText)}
	buf = binary.LittleEndian.AppendUint32(buf, 0x7FFFFFFF) // max length
	buf = append(buf, 1, 2, 3, 4, 5)                        // collation
	buf = binary.LittleEndian.AppendUint32(buf, 2)          // two table-name parts
	buf = writeUsVarChar(buf, "dbo")
	buf = writeUsVarChar(buf, "notes")

	ti, next, err := parseTypeInfo(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ti.Type != sqlTypeText || ti.MaxLength != 0x7FFFFFFF {
		t.Errorf("unexpected type info: %+v", ti)
	}
	if len(ti.Collation) != 5 {
		t.Errorf("expected collation to be captured, got %v", ti.Collation)
	}
	if next != len(buf) {
		t.Errorf("did not consume the table-name section: next=%d, want %d", next, len(buf))
	}
}

func TestDecodeTextPtrValue(t *testing.T) {
	ti := TypeInfo{Type: sqlTypeNText}

	// NULL: a zero-length text pointer and nothing else.
	v, next, err := decodeValue(ti, []byte{0}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() || next != 1 {
		t.Errorf("expected NULL at next=1, got %+v next=%d", v, next)
	}

	// Present: 16-byte pointer, 8-byte timestamp, length, UCS-2 data.
	enc := encodeUCS2("lob body")
	var buf []byte
	buf = append(buf, 16)
	buf = append(buf, make([]byte, 16)...) // text pointer
	buf = append(buf, make([]byte, 8)...)  // timestamp
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
	buf = append(buf, enc...)

	v, next, err = decodeValue(ti, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "lob body" {
		t.Errorf("got %q, want %q", v.Str, "lob body")
	}
	if next != len(buf) {
		t.Errorf("next=%d, want %d", next, len(buf))
	}
}

func TestEncodeParameterInt(t *testing.T) {
	p := Parameter{Name: "id", Value: Value{Kind: KindInt, Int64: 7}}
	rp, err := encodeParameter(p)
	if err != nil {
		t.Fatal(err)
	}
	if rp.typeInfo[0] != byte(sqlTypeIntN) {
		t.Errorf("unexpected type info: %v", rp.typeInfo)
	}
}

func TestEncodeParameterNullUsesNullMarker(t *testing.T) {
	p := Parameter{Name: "x", Value: Value{Kind: KindNull}}
	rp, err := encodeParameter(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(rp.value) != 2 || rp.value[0] != 0xFF || rp.value[1] != 0xFF {
		t.Errorf("expected 2-byte NULL marker, got %v", rp.value)
	}
}

func TestSQLTypeNameMapping(t *testing.T) {
	cases := map[Kind]string{
		KindInt:              "int",
		KindBigInt:           "bigint",
		KindUniqueIdentifier: "uniqueidentifier",
		KindBit:              "bit",
	}
	for kind, want := range cases {
		p := Parameter{Value: Value{Kind: kind}}
		if got := p.SQLTypeName(); got != want {
			t.Errorf("kind %d: got %q, want %q", kind, got, want)
		}
	}
}
