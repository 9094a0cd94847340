package tds

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SQLType is the one-byte TDS data-type discriminator (MS-TDS 2.2.5.4).
type SQLType uint8

const (
	sqlTypeNull SQLType = 0x1F

	// Fixed-length types: no length byte on the wire, size implied by type.
	sqlTypeInt1      SQLType = 0x30 // tinyint, 1 byte
	sqlTypeBit       SQLType = 0x32 // 1 byte
	sqlTypeInt2      SQLType = 0x34 // smallint, 2 bytes
	sqlTypeInt4      SQLType = 0x38 // int, 4 bytes
	sqlTypeDateTime4 SQLType = 0x3A // smalldatetime, 4 bytes
	sqlTypeFloat4    SQLType = 0x3B // real, 4 bytes
	sqlTypeMoney     SQLType = 0x3C // 8 bytes
	sqlTypeDateTime  SQLType = 0x3D // 8 bytes
	sqlTypeFloat8    SQLType = 0x3E // float, 8 bytes
	sqlTypeMoney4    SQLType = 0x7A // smallmoney, 4 bytes
	sqlTypeInt8      SQLType = 0x7F // bigint, 8 bytes

	// Variable-length, 1-byte length prefix on the wire.
	sqlTypeGUID            SQLType = 0x24
	sqlTypeIntN            SQLType = 0x26
	sqlTypeDecimalLegacy   SQLType = 0x37
	sqlTypeNumericLegacy   SQLType = 0x3F
	sqlTypeBitN            SQLType = 0x68
	sqlTypeDecimalN        SQLType = 0x6A
	sqlTypeNumericN        SQLType = 0x6C
	sqlTypeFloatN          SQLType = 0x6D
	sqlTypeMoneyN          SQLType = 0x6E
	sqlTypeDateTimeN       SQLType = 0x6F
	sqlTypeDateN           SQLType = 0x28 // length byte (0 = NULL), then 3 bytes
	sqlTypeTimeN           SQLType = 0x29 // scale byte, then variable bytes
	sqlTypeDateTime2N      SQLType = 0x2A // scale byte, then variable bytes
	sqlTypeDateTimeOffsetN SQLType = 0x2B // scale byte, then variable bytes

	// Legacy character/binary types, 1-byte length prefix.
	sqlTypeChar      SQLType = 0x2F
	sqlTypeVarChar   SQLType = 0x27
	sqlTypeBinary    SQLType = 0x2D
	sqlTypeVarBinary SQLType = 0x25

	// "Big" character/binary types, 2-byte length prefix (0xFFFF = PLP).
	sqlTypeBigVarBin  SQLType = 0xA5
	sqlTypeBigVarChar SQLType = 0xA7
	sqlTypeBigBinary  SQLType = 0xAD
	sqlTypeBigChar    SQLType = 0xAF
	sqlTypeNVarChar   SQLType = 0xE7
	sqlTypeNChar      SQLType = 0xEF

	// Legacy LOB types: 4-byte max length in TYPE_INFO, text-pointer
	// framing per row value.
	sqlTypeImage SQLType = 0x22
	sqlTypeText  SQLType = 0x23
	sqlTypeNText SQLType = 0x63
)

// PLP total-length sentinels (MS-TDS 2.2.5.4.1).
const (
	plpNull          uint64 = 0xFFFFFFFFFFFFFFFF // value is NULL
	plpUnknownLength uint64 = 0xFFFFFFFFFFFFFFFE // length unknown, read chunks to terminator
)

func (t SQLType) String() string {
	switch t {
	case sqlTypeNull:
		return "NULL"
	case sqlTypeInt1:
		return "TINYINT"
	case sqlTypeBit, sqlTypeBitN:
		return "BIT"
	case sqlTypeInt2:
		return "SMALLINT"
	case sqlTypeInt4:
		return "INT"
	case sqlTypeInt8:
		return "BIGINT"
	case sqlTypeIntN:
		return "INTN"
	case sqlTypeFloat4:
		return "REAL"
	case sqlTypeFloat8, sqlTypeFloatN:
		return "FLOAT"
	case sqlTypeDateTime, sqlTypeDateTime4, sqlTypeDateTimeN:
		return "DATETIME"
	case sqlTypeDateTime2N:
		return "DATETIME2"
	case sqlTypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case sqlTypeDateN:
		return "DATE"
	case sqlTypeTimeN:
		return "TIME"
	case sqlTypeMoney, sqlTypeMoney4, sqlTypeMoneyN:
		return "MONEY"
	case sqlTypeGUID:
		return "UNIQUEIDENTIFIER"
	case sqlTypeDecimalN, sqlTypeDecimalLegacy, sqlTypeNumericN, sqlTypeNumericLegacy:
		return "DECIMAL"
	case sqlTypeChar, sqlTypeBigChar:
		return "CHAR"
	case sqlTypeVarChar, sqlTypeBigVarChar:
		return "VARCHAR"
	case sqlTypeBinary, sqlTypeBigBinary:
		return "BINARY"
	case sqlTypeVarBinary, sqlTypeBigVarBin:
		return "VARBINARY"
	case sqlTypeNVarChar:
		return "NVARCHAR"
	case sqlTypeNChar:
		return "NCHAR"
	case sqlTypeText:
		return "TEXT"
	case sqlTypeNText:
		return "NTEXT"
	case sqlTypeImage:
		return "IMAGE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// TypeInfo is the decoded per-type-info region of a ColumnDescriptor
// (MS-TDS 2.2.5.4.2), enough to both select a per-row decode function
// once at ColMetaData time and to re-encode a TYPE_INFO block for an
// outbound RPC parameter.
type TypeInfo struct {
	Type      SQLType
	MaxLength uint32 // byte length for char/binary families; ignored for fixed types
	Precision uint8  // decimal/numeric
	Scale     uint8  // decimal/numeric/time family
	Collation []byte // 5 bytes, character families only (char/varchar/text and nchar/nvarchar/ntext)
}

// fixedLength returns the implicit wire length of a fixed-length type, or
// -1 if t is not fixed-length.
func fixedLength(t SQLType) int {
	switch t {
	case sqlTypeNull:
		return 0
	case sqlTypeInt1, sqlTypeBit:
		return 1
	case sqlTypeInt2:
		return 2
	case sqlTypeInt4, sqlTypeDateTime4, sqlTypeFloat4, sqlTypeMoney4:
		return 4
	case sqlTypeMoney, sqlTypeDateTime, sqlTypeFloat8, sqlTypeInt8:
		return 8
	default:
		return -1
	}
}

// parseTypeInfo decodes one ColumnDescriptor's per-type-info region
// starting at offset (MS-TDS 2.2.5.4.2): fixed-length types carry
// nothing; variable-length character/binary types carry a length (1 or 2
// bytes depending on family); decimal/numeric types carry
// {length, precision, scale}; time/datetime2/datetimeoffset carry a scale
// byte only.
func parseTypeInfo(buf []byte, offset int) (TypeInfo, int, error) {
	if offset >= len(buf) {
		return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: missing type byte"}
	}
	t := SQLType(buf[offset])
	offset++
	ti := TypeInfo{Type: t}

	if fixedLength(t) >= 0 || t == sqlTypeDateN {
		return ti, offset, nil
	}

	switch t {
	case sqlTypeGUID, sqlTypeIntN, sqlTypeBitN, sqlTypeFloatN, sqlTypeMoneyN, sqlTypeDateTimeN,
		sqlTypeChar, sqlTypeVarChar, sqlTypeBinary, sqlTypeVarBinary,
		sqlTypeDecimalLegacy, sqlTypeNumericLegacy:
		if offset >= len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: 1-byte length"}
		}
		ti.MaxLength = uint32(buf[offset])
		offset++
		if t == sqlTypeDecimalLegacy || t == sqlTypeNumericLegacy {
			if offset+2 > len(buf) {
				return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: precision/scale"}
			}
			ti.Precision, ti.Scale = buf[offset], buf[offset+1]
			offset += 2
		}
		if t == sqlTypeChar || t == sqlTypeVarChar {
			if offset+5 > len(buf) {
				return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: collation"}
			}
			ti.Collation = append([]byte(nil), buf[offset:offset+5]...)
			offset += 5
		}

	case sqlTypeDecimalN, sqlTypeNumericN:
		if offset+3 > len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: decimaln"}
		}
		ti.MaxLength = uint32(buf[offset])
		ti.Precision = buf[offset+1]
		ti.Scale = buf[offset+2]
		offset += 3

	case sqlTypeTimeN, sqlTypeDateTime2N, sqlTypeDateTimeOffsetN:
		if offset >= len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: scale"}
		}
		ti.Scale = buf[offset]
		offset++

	case sqlTypeBigVarBin, sqlTypeBigBinary, sqlTypeBigVarChar, sqlTypeBigChar, sqlTypeNVarChar, sqlTypeNChar:
		if offset+2 > len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: 2-byte length"}
		}
		ti.MaxLength = uint32(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if t == sqlTypeBigVarChar || t == sqlTypeBigChar || t == sqlTypeNVarChar || t == sqlTypeNChar {
			if offset+5 > len(buf) {
				return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: collation"}
			}
			ti.Collation = append([]byte(nil), buf[offset:offset+5]...)
			offset += 5
		}

	case sqlTypeText, sqlTypeNText, sqlTypeImage:
		if offset+4 > len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: 4-byte length"}
		}
		ti.MaxLength = binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
		if t == sqlTypeText || t == sqlTypeNText {
			if offset+5 > len(buf) {
				return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: collation"}
			}
			ti.Collation = append([]byte(nil), buf[offset:offset+5]...)
			offset += 5
		}
		// Table-name section: a 4-byte count of part names, each a
		// US_VARCHAR. Preserved only as far as staying aligned; nothing
		// downstream needs the owning table's name.
		if offset+4 > len(buf) {
			return TypeInfo{}, 0, &UnexpectedEofError{Message: "type info: table name count"}
		}
		parts := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
		offset += 4
		for i := 0; i < parts; i++ {
			_, next, err := readUsVarChar(buf, offset)
			if err != nil {
				return TypeInfo{}, 0, err
			}
			offset = next
		}

	default:
		return TypeInfo{}, 0, &ProtocolError{Message: fmt.Sprintf("unsupported column type 0x%02x (%s)", byte(t), t)}
	}

	return ti, offset, nil
}

// decodeValue reads one value of type ti starting at offset in buf and
// returns it along with the next unread offset.
func decodeValue(ti TypeInfo, buf []byte, offset int) (Value, int, error) {
	t := ti.Type

	if n := fixedLength(t); n >= 0 {
		if t == sqlTypeNull {
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "fixed-length value"}
		}
		v, err := decodeFixed(t, buf[offset:offset+n])
		return v, offset + n, err
	}

	switch t {
	case sqlTypeIntN, sqlTypeBitN, sqlTypeFloatN, sqlTypeMoneyN, sqlTypeDateTimeN:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "varlen size byte"}
		}
		n := int(buf[offset])
		offset++
		if n == 0 {
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "varlen value"}
		}
		v, err := decodeSizedNumeric(t, buf[offset:offset+n])
		return v, offset + n, err

	case sqlTypeGUID:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "guid size byte"}
		}
		n := int(buf[offset])
		offset++
		if n == 0 {
			return nullValue(), offset, nil
		}
		if n != 16 || offset+n > len(buf) {
			return Value{}, 0, &ProtocolError{Message: "unexpected uniqueidentifier length"}
		}
		v := Value{Kind: KindUniqueIdentifier, UUID: guidFromWire(buf[offset : offset+16])}
		return v, offset + n, nil

	case sqlTypeDecimalN, sqlTypeNumericN, sqlTypeDecimalLegacy, sqlTypeNumericLegacy:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "decimal size byte"}
		}
		n := int(buf[offset])
		offset++
		if n == 0 {
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "decimal value"}
		}
		v, err := decodeDecimal(buf[offset:offset+n], ti.Scale)
		return v, offset + n, err

	case sqlTypeDateN:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "date size byte"}
		}
		n := int(buf[offset])
		offset++
		if n == 0 {
			return nullValue(), offset, nil
		}
		if n != 3 || offset+n > len(buf) {
			return Value{}, 0, &ProtocolError{Message: "unexpected date length"}
		}
		v := decodeDate(buf[offset : offset+3])
		return v, offset + 3, nil

	case sqlTypeTimeN, sqlTypeDateTime2N, sqlTypeDateTimeOffsetN:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "time family size byte"}
		}
		n := int(buf[offset])
		offset++
		if n == 0 {
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "time family value"}
		}
		v, err := decodeTimeFamily(t, buf[offset:offset+n], ti.Scale)
		return v, offset + n, err

	case sqlTypeChar, sqlTypeVarChar, sqlTypeBinary, sqlTypeVarBinary:
		if offset >= len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "1-byte-length value size"}
		}
		n := int(buf[offset])
		offset++
		if n == 0xFF { // legacy NULL marker for VARCHAR/VARBINARY
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "1-byte-length value"}
		}
		v := decodeCharOrBinary(t, buf[offset:offset+n], ti.Collation)
		return v, offset + n, nil

	case sqlTypeBigVarBin, sqlTypeBigBinary, sqlTypeBigVarChar, sqlTypeBigChar, sqlTypeNVarChar, sqlTypeNChar:
		// A TYPE_INFO MaxLength of 0xFFFF marks a "(max)" column: every
		// row value is PLP-encoded (8-byte total length, then chunks),
		// with no classic 2-byte length prefix at all. Anything else
		// uses the classic format, where 0xFFFF in the per-row length
		// itself is the NULL sentinel.
		if ti.MaxLength == 0xFFFF {
			return decodePLP(t, buf, offset, ti.Collation)
		}
		if offset+2 > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "2-byte-length value size"}
		}
		n := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if n == 0xFFFF {
			return nullValue(), offset, nil
		}
		if offset+n > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "2-byte-length value"}
		}
		v := decodeCharOrBinary(t, buf[offset:offset+n], ti.Collation)
		return v, offset + n, nil

	case sqlTypeText, sqlTypeNText, sqlTypeImage:
		return decodeTextPtrValue(t, buf, offset, ti.Collation)

	default:
		return Value{}, 0, &ProtocolError{Message: fmt.Sprintf("cannot decode value of type 0x%02x (%s)", byte(t), t)}
	}
}

// decodeTextPtrValue reads a legacy LOB (TEXT/NTEXT/IMAGE) row value: a
// 1-byte text-pointer length (0 = NULL), the pointer bytes, an 8-byte
// timestamp, then a 4-byte little-endian data length and the data itself.
// The pointer and timestamp identify the LOB for positioned reads this
// driver never issues, so both are consumed and dropped.
func decodeTextPtrValue(t SQLType, buf []byte, offset int, collation []byte) (Value, int, error) {
	if offset >= len(buf) {
		return Value{}, 0, &UnexpectedEofError{Message: "textptr length byte"}
	}
	ptrLen := int(buf[offset])
	offset++
	if ptrLen == 0 {
		return nullValue(), offset, nil
	}
	if offset+ptrLen+8 > len(buf) {
		return Value{}, 0, &UnexpectedEofError{Message: "textptr and timestamp"}
	}
	offset += ptrLen + 8

	if offset+4 > len(buf) {
		return Value{}, 0, &UnexpectedEofError{Message: "lob data length"}
	}
	n := binary.LittleEndian.Uint32(buf[offset : offset+4])
	offset += 4
	if n == 0xFFFFFFFF {
		return nullValue(), offset, nil
	}
	if offset+int(n) > len(buf) {
		return Value{}, 0, &UnexpectedEofError{Message: "lob data"}
	}
	v := decodeCharOrBinary(t, buf[offset:offset+int(n)], collation)
	return v, offset + int(n), nil
}

func decodeFixed(t SQLType, b []byte) (Value, error) {
	switch t {
	case sqlTypeNull:
		return nullValue(), nil
	case sqlTypeInt1:
		return Value{Kind: KindTinyInt, Int64: int64(b[0])}, nil
	case sqlTypeBit:
		return Value{Kind: KindBit, Bool: b[0] != 0}, nil
	case sqlTypeInt2:
		return Value{Kind: KindSmallInt, Int64: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
	case sqlTypeInt4:
		return Value{Kind: KindInt, Int64: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
	case sqlTypeInt8:
		return Value{Kind: KindBigInt, Int64: int64(binary.LittleEndian.Uint64(b))}, nil
	case sqlTypeFloat4:
		return Value{Kind: KindReal, Float64: float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))}, nil
	case sqlTypeFloat8:
		return Value{Kind: KindFloat, Float64: math.Float64frombits(binary.LittleEndian.Uint64(b))}, nil
	case sqlTypeMoney4:
		return Value{Kind: KindDecimal, Str: decimal.New(int64(int32(binary.LittleEndian.Uint32(b))), -4).String()}, nil
	case sqlTypeMoney:
		hi := int64(int32(binary.LittleEndian.Uint32(b[0:4])))
		lo := int64(binary.LittleEndian.Uint32(b[4:8]))
		return Value{Kind: KindDecimal, Str: decimal.New((hi<<32)|lo, -4).String()}, nil
	case sqlTypeDateTime4:
		return decodeSmallDateTime(b), nil
	case sqlTypeDateTime:
		return decodeDateTime(b), nil
	default:
		return Value{}, &ProtocolError{Message: fmt.Sprintf("unhandled fixed type 0x%02x", byte(t))}
	}
}

// decodeSizedNumeric handles the *N family once its 1-byte size has
// selected a concrete width: the wire encodes the same field as a
// fixed-width type would, just preceded by a length byte.
func decodeSizedNumeric(t SQLType, b []byte) (Value, error) {
	switch t {
	case sqlTypeBitN:
		return Value{Kind: KindBit, Bool: b[0] != 0}, nil
	case sqlTypeIntN:
		switch len(b) {
		case 1:
			return Value{Kind: KindTinyInt, Int64: int64(b[0])}, nil
		case 2:
			return Value{Kind: KindSmallInt, Int64: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
		case 4:
			return Value{Kind: KindInt, Int64: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
		case 8:
			return Value{Kind: KindBigInt, Int64: int64(binary.LittleEndian.Uint64(b))}, nil
		}
	case sqlTypeFloatN:
		switch len(b) {
		case 4:
			return Value{Kind: KindReal, Float64: float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))}, nil
		case 8:
			return Value{Kind: KindFloat, Float64: math.Float64frombits(binary.LittleEndian.Uint64(b))}, nil
		}
	case sqlTypeMoneyN:
		switch len(b) {
		case 4:
			return Value{Kind: KindDecimal, Str: decimal.New(int64(int32(binary.LittleEndian.Uint32(b))), -4).String()}, nil
		case 8:
			hi := int64(int32(binary.LittleEndian.Uint32(b[0:4])))
			lo := int64(binary.LittleEndian.Uint32(b[4:8]))
			return Value{Kind: KindDecimal, Str: decimal.New((hi<<32)|lo, -4).String()}, nil
		}
	case sqlTypeDateTimeN:
		switch len(b) {
		case 4:
			return decodeSmallDateTime(b), nil
		case 8:
			return decodeDateTime(b), nil
		}
	}
	return Value{}, &ProtocolError{Message: fmt.Sprintf("unexpected width %d for type 0x%02x", len(b), byte(t))}
}

// decodeDecimal converts DECIMAL/NUMERIC's sign-byte-plus-little-endian-
// magnitude wire form into a shopspring/decimal-backed string, so callers
// never lose precision to float64.
func decodeDecimal(b []byte, scale uint8) (Value, error) {
	if len(b) < 1 {
		return Value{}, &UnexpectedEofError{Message: "decimal sign byte"}
	}
	positive := b[0] == 1
	mag := b[1:]

	// Magnitude is little-endian across up to 4 uint32 words (16 bytes max);
	// reverse it into a big-endian byte string for math/big.
	be := make([]byte, len(mag))
	for i := 0; i < len(mag); i++ {
		be[len(mag)-1-i] = mag[i]
	}
	coeff := new(big.Int).SetBytes(be)
	if !positive {
		coeff.Neg(coeff)
	}

	d := decimal.NewFromBigInt(coeff, -int32(scale))
	return Value{Kind: KindDecimal, Str: d.String()}, nil
}

func decodeSmallDateTime(b []byte) Value {
	days := binary.LittleEndian.Uint16(b[0:2])
	minutes := binary.LittleEndian.Uint16(b[2:4])
	t := sqlBaseDate().AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
	return Value{Kind: KindDateTime, Time: t}
}

func decodeDateTime(b []byte) Value {
	days := int32(binary.LittleEndian.Uint32(b[0:4]))
	ticks := binary.LittleEndian.Uint32(b[4:8]) // 1/300th of a second
	t := sqlBaseDate().AddDate(0, 0, int(days)).Add(time.Duration(ticks) * (time.Second / 300))
	return Value{Kind: KindDateTime, Time: t}
}

func decodeDate(b []byte) Value {
	days := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	t := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return Value{Kind: KindDateTime, Time: t}
}

// decodeTimeFamily handles TIME/DATETIME2/DATETIMEOFFSET, whose value
// width depends on the scale byte captured in ColMetaData (3, 4, or 5
// bytes of fractional-seconds precision).
func decodeTimeFamily(t SQLType, b []byte, scale uint8) (Value, error) {
	timeBytes := timeWidthForScale(scale)
	if len(b) < timeBytes {
		return Value{}, &UnexpectedEofError{Message: "time family value too short"}
	}

	var ticks uint64
	for i := 0; i < timeBytes; i++ {
		ticks |= uint64(b[i]) << (8 * i)
	}
	fraction := time.Duration(ticks) * timeUnitForScale(scale)

	switch t {
	case sqlTypeTimeN:
		tm := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Add(fraction)
		return Value{Kind: KindDateTime2, Time: tm}, nil

	case sqlTypeDateTime2N:
		dateBytes := b[timeBytes:]
		if len(dateBytes) < 3 {
			return Value{}, &UnexpectedEofError{Message: "datetime2 date part"}
		}
		days := int(dateBytes[0]) | int(dateBytes[1])<<8 | int(dateBytes[2])<<16
		tm := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days).Add(fraction)
		return Value{Kind: KindDateTime2, Time: tm}, nil

	case sqlTypeDateTimeOffsetN:
		rest := b[timeBytes:]
		if len(rest) < 5 {
			return Value{}, &UnexpectedEofError{Message: "datetimeoffset tail"}
		}
		days := int(rest[0]) | int(rest[1])<<8 | int(rest[2])<<16
		offsetMinutes := int16(binary.LittleEndian.Uint16(rest[3:5]))
		tm := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days).Add(fraction)
		loc := time.FixedZone("", int(offsetMinutes)*60)
		return Value{Kind: KindDateTimeOffset, Time: tm.In(loc)}, nil
	}

	return Value{}, &ProtocolError{Message: "unreachable time family type"}
}

func timeWidthForScale(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func timeUnitForScale(scale uint8) time.Duration {
	// Ticks are counted in units of 10^-scale seconds.
	switch scale {
	case 0:
		return time.Second
	case 1:
		return time.Second / 10
	case 2:
		return time.Second / 100
	case 3:
		return time.Millisecond
	case 4:
		return time.Second / 10000
	case 5:
		return time.Second / 100000
	case 6:
		return time.Microsecond
	default:
		return 100 * time.Nanosecond
	}
}

func sqlBaseDate() time.Time {
	return time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
}

// decodeCharOrBinary dispatches on whether t is a character family (which
// must go through the UCS-2/collation decode path) or a raw binary family.
func decodeCharOrBinary(t SQLType, b []byte, collation []byte) Value {
	switch t {
	case sqlTypeNVarChar, sqlTypeNChar, sqlTypeNText:
		s, err := decodeUCS2(b)
		if err != nil {
			// Never silently drop a malformed string; degrade to a lossy
			// decode and let the caller see it in the value rather than
			// aborting the whole result set.
			return Value{Kind: KindNVarChar, Str: string(b)}
		}
		return Value{Kind: KindNVarChar, Str: s}
	case sqlTypeChar, sqlTypeVarChar, sqlTypeBigChar, sqlTypeBigVarChar, sqlTypeText:
		// No collation-aware code-page table is implemented; fall back
		// to lossy UTF-8 and keep the collation tag alongside so a
		// caller can reinterpret it.
		return Value{Kind: KindVarChar, Str: string(b), Collation: collation}
	default:
		return Value{Kind: KindVarBinary, Bytes: append([]byte(nil), b...)}
	}
}

// decodePLP reads a Partially Length-Prefixed value: an 8-byte total
// length (or plpUnknownLength), followed by chunks of (4-byte chunk
// length, data), terminated by a zero-length chunk.
func decodePLP(t SQLType, buf []byte, offset int, collation []byte) (Value, int, error) {
	if offset+8 > len(buf) {
		return Value{}, 0, &UnexpectedEofError{Message: "plp total length"}
	}
	total := binary.LittleEndian.Uint64(buf[offset : offset+8])
	offset += 8
	if total == plpNull {
		return nullValue(), offset, nil
	}
	// total == plpUnknownLength or any known byte count: both are read the
	// same way, as a sequence of chunks terminated by a zero-length chunk.

	var data []byte
	for {
		if offset+4 > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "plp chunk length"}
		}
		chunkLen := binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
		if chunkLen == 0 {
			break
		}
		if offset+int(chunkLen) > len(buf) {
			return Value{}, 0, &UnexpectedEofError{Message: "plp chunk data"}
		}
		data = append(data, buf[offset:offset+int(chunkLen)]...)
		offset += int(chunkLen)
	}

	return decodeCharOrBinary(t, data, collation), offset, nil
}

// guidFromWire converts SQL Server's mixed-endian GUID layout (first
// three groups little-endian, last two big-endian) into a standard
// big-endian uuid.UUID.
func guidFromWire(b []byte) uuid.UUID {
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	u, _ := uuid.FromBytes(out[:])
	return u
}

// guidToWire reverses guidFromWire for outbound parameters.
func guidToWire(u uuid.UUID) []byte {
	b := u[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// ntextTypeInfo builds a TYPE_INFO block for an NVARCHAR(MAX) outbound
// parameter: type byte, 2-byte max length marker 0xFFFF (PLP), and a
// 5-byte server-default collation. Used for the sql/paramDefs arguments
// to sp_executesql, which are always sent as nvarchar.
func ntextTypeInfo() []byte {
	buf := []byte{byte(sqlTypeNVarChar)}
	buf = binary.LittleEndian.AppendUint16(buf, 0xFFFF)
	buf = append(buf, 0, 0, 0, 0, 0) // collation: server default
	return buf
}

// encodePLPValue wraps data in the Partially Length-Prefixed framing a
// (max)-typed parameter value requires: 8-byte total length, one chunk,
// and a zero-length terminator chunk.
func encodePLPValue(data []byte) []byte {
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(data)))
	if len(data) > 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}
	return binary.LittleEndian.AppendUint32(buf, 0)
}

// encodeParameter builds the TYPE_INFO + value wire form of one outbound
// RPC parameter, in the reverse of decodeValue's length-prefix rules.
func encodeParameter(p Parameter) (rpcParam, error) {
	v := p.Value
	switch v.Kind {
	case KindNull:
		buf := []byte{byte(sqlTypeNVarChar)}
		buf = binary.LittleEndian.AppendUint16(buf, 8000)
		buf = append(buf, 0, 0, 0, 0, 0)
		val := []byte{0xFF, 0xFF} // NULL length marker
		return rpcParam{typeInfo: buf, value: val}, nil

	case KindBit:
		ti := []byte{byte(sqlTypeBitN), 1}
		val := []byte{1, 0}
		if v.Bool {
			val[1] = 1
		}
		return rpcParam{typeInfo: ti, value: val}, nil

	case KindTinyInt, KindSmallInt, KindInt, KindBigInt:
		return encodeIntParam(v), nil

	case KindReal:
		ti := []byte{byte(sqlTypeFloatN), 4}
		val := make([]byte, 5)
		val[0] = 4
		binary.LittleEndian.PutUint32(val[1:], math.Float32bits(float32(v.Float64)))
		return rpcParam{typeInfo: ti, value: val}, nil

	case KindFloat:
		ti := []byte{byte(sqlTypeFloatN), 8}
		val := make([]byte, 9)
		val[0] = 8
		binary.LittleEndian.PutUint64(val[1:], math.Float64bits(v.Float64))
		return rpcParam{typeInfo: ti, value: val}, nil

	case KindNVarChar, KindVarChar, KindDecimal:
		ti := []byte{byte(sqlTypeNVarChar)}
		ti = binary.LittleEndian.AppendUint16(ti, 4000)
		ti = append(ti, 0, 0, 0, 0, 0)
		enc := encodeUCS2(v.Str)
		val := make([]byte, 2+len(enc))
		binary.LittleEndian.PutUint16(val, uint16(len(enc)))
		copy(val[2:], enc)
		return rpcParam{typeInfo: ti, value: val}, nil

	case KindUniqueIdentifier:
		ti := []byte{byte(sqlTypeGUID), 16}
		wire := guidToWire(v.UUID)
		val := append([]byte{16}, wire...)
		return rpcParam{typeInfo: ti, value: val}, nil

	case KindBinary, KindVarBinary:
		ti := []byte{byte(sqlTypeBigVarBin)}
		ti = binary.LittleEndian.AppendUint16(ti, 8000)
		val := make([]byte, 2+len(v.Bytes))
		binary.LittleEndian.PutUint16(val, uint16(len(v.Bytes)))
		copy(val[2:], v.Bytes)
		return rpcParam{typeInfo: ti, value: val}, nil

	default:
		return rpcParam{}, &EncodingError{Message: fmt.Sprintf("cannot encode parameter of kind %d", v.Kind)}
	}
}

func encodeIntParam(v Value) rpcParam {
	ti := []byte{byte(sqlTypeIntN), 8}
	val := make([]byte, 9)
	val[0] = 8
	binary.LittleEndian.PutUint64(val[1:], uint64(v.Int64))
	return rpcParam{typeInfo: ti, value: val}
}
