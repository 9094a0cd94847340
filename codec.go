package tds

import (
	"encoding/binary"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// utf16Decoder turns a UCS-2 LE byte string into UTF-8. TDS character data
// is always little-endian UCS-2 on the wire (MS-TDS 2.2.5.2.3), never full
// UTF-16 with surrogate pairs in practice, but the decoder handles them
// correctly if a server ever sends one.
var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// decodeUCS2 converts a raw UCS-2 LE byte slice to a Go string.
func decodeUCS2(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	if len(b)%2 != 0 {
		return "", &EncodingError{Message: "odd byte length for UCS-2 string"}
	}
	for i := 0; i < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u >= 0xDC00 && u < 0xE000 {
			return "", &EncodingError{Message: "unpaired low surrogate in UCS-2 string"}
		}
		if u >= 0xD800 && u < 0xDC00 {
			if i+4 > len(b) {
				return "", &EncodingError{Message: "unpaired high surrogate in UCS-2 string"}
			}
			if next := binary.LittleEndian.Uint16(b[i+2:]); next < 0xDC00 || next >= 0xE000 {
				return "", &EncodingError{Message: "unpaired high surrogate in UCS-2 string"}
			}
			i += 2
		}
	}
	out, err := utf16Decoder.Bytes(b)
	if err != nil {
		return "", &EncodingError{Message: "ucs-2 decode: " + err.Error()}
	}
	return string(out), nil
}

// encodeUCS2 converts a Go string to raw UCS-2 LE bytes.
func encodeUCS2(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// ucs2Len returns the length of s in UCS-2 code units (what TDS length
// fields count in, not bytes and not runes).
func ucs2Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// readBVarChar reads a B_VARCHAR: a 1-byte character count followed by
// that many UCS-2 code units.
func readBVarChar(buf []byte, offset int) (string, int, error) {
	if offset >= len(buf) {
		return "", 0, &UnexpectedEofError{Message: "b_varchar length byte"}
	}
	charLen := int(buf[offset])
	offset++
	byteLen := charLen * 2
	if offset+byteLen > len(buf) {
		return "", 0, &UnexpectedEofError{Message: "b_varchar data"}
	}
	s, err := decodeUCS2(buf[offset : offset+byteLen])
	if err != nil {
		return "", 0, err
	}
	return s, offset + byteLen, nil
}

// writeBVarChar appends a B_VARCHAR encoding of s to buf.
func writeBVarChar(buf []byte, s string) []byte {
	buf = append(buf, byte(ucs2Len(s)))
	return append(buf, encodeUCS2(s)...)
}

// readUsVarChar reads a US_VARCHAR: a 2-byte little-endian character count
// followed by that many UCS-2 code units.
func readUsVarChar(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, &UnexpectedEofError{Message: "us_varchar length"}
	}
	charLen := int(binary.LittleEndian.Uint16(buf[offset:]))
	offset += 2
	byteLen := charLen * 2
	if offset+byteLen > len(buf) {
		return "", 0, &UnexpectedEofError{Message: "us_varchar data"}
	}
	s, err := decodeUCS2(buf[offset : offset+byteLen])
	if err != nil {
		return "", 0, err
	}
	return s, offset + byteLen, nil
}

// writeUsVarChar appends a US_VARCHAR encoding of s to buf.
func writeUsVarChar(buf []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(ucs2Len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, encodeUCS2(s)...)
}

// obfuscatePassword applies the Login7 password obfuscation: XOR each
// byte with 0x5A then swap its nibbles. This is reversible scrambling
// mandated by the wire format, not cryptography.
func obfuscatePassword(plain []byte) []byte {
	out := make([]byte, len(plain))
	for i, b := range plain {
		x := b ^ 0x5A
		out[i] = (x << 4) | (x >> 4)
	}
	return out
}

// deobfuscatePassword reverses obfuscatePassword.
func deobfuscatePassword(obfuscated []byte) []byte {
	out := make([]byte, len(obfuscated))
	for i, b := range obfuscated {
		x := (b >> 4) | (b << 4)
		out[i] = x ^ 0x5A
	}
	return out
}
