package tds

import (
	"encoding/binary"
)

// Login7 wire constants (MS-TDS 2.2.6.4).
const (
	tdsVersion74 uint32 = 0x74000004
	clientLCID   uint32 = 0x00000409 // en-US

	// OptionFlags1: byte-order LE(0x00)|char ASCII(0x00)|float IEEE(0x00)
	// |dump/load(0x10)|use DB(0x20)|init DB fatal(0x40)|set lang(0x80).
	optionFlags1 byte = 0xF0
	// OptionFlags2: init lang fatal(0x01)|ODBC on(0x02); user normal,
	// integrated security off.
	optionFlags2 byte = 0x03
	typeFlags    byte = 0x00
	optionFlags3 byte = 0x00
)

// login7FixedSize is the length of the fixed-position header region,
// i.e. the byte offset where the first variable-length field begins.
const login7FixedSize = 94

// Login7Info is the decoded form of a Login7 packet, used both to build
// an outbound login and, in tests, to verify a round trip.
type Login7Info struct {
	TDSVersion     uint32
	PacketSize     uint32
	ClientProgVer  uint32
	ClientPID      uint32
	ConnectionID   uint32
	OptionFlags1   byte
	OptionFlags2   byte
	TypeFlags      byte
	OptionFlags3   byte
	ClientTimeZone int32
	ClientLCID     uint32

	HostName   string
	UserName   string
	Password   string // plaintext; obfuscation is applied/removed at the wire boundary
	AppName    string
	ServerName string
	CltIntName string
	Language   string
	Database   string
}

// BuildLogin7 encodes info into a complete Login7 payload (not yet
// packet-framed). Offsets are computed relative to login7FixedSize, in
// the order HostName, UserName, Password, AppName, ServerName, (unused
// reserved extension block, zero-length), CltIntName, Language, Database,
// matching the fixed field-offset table in MS-TDS 2.2.6.4 and the
// decode-side table used by ParseLogin7.
func BuildLogin7(info *Login7Info) []byte {
	type field struct {
		s        string
		isPasswd bool
	}
	fields := []field{
		{info.HostName, false},
		{info.UserName, false},
		{info.Password, true},
		{info.AppName, false},
		{info.ServerName, false},
		{"", false}, // reserved / extension block, unused
		{info.CltIntName, false},
		{info.Language, false},
		{info.Database, false},
	}

	offsets := make([]uint16, len(fields))
	lengths := make([]uint16, len(fields))
	var varData []byte

	offset := login7FixedSize
	for i, f := range fields {
		offsets[i] = uint16(offset)
		charLen := ucs2Len(f.s)
		lengths[i] = uint16(charLen)

		var enc []byte
		if f.isPasswd {
			enc = obfuscatePassword(encodeUCS2(f.s))
		} else {
			enc = encodeUCS2(f.s)
		}
		varData = append(varData, enc...)
		offset += len(enc)
	}

	totalLen := offset
	buf := make([]byte, login7FixedSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint32(buf[4:8], info.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], info.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], info.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], info.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], info.ConnectionID)
	buf[24] = info.OptionFlags1
	buf[25] = info.OptionFlags2
	buf[26] = info.TypeFlags
	buf[27] = info.OptionFlags3
	binary.LittleEndian.PutUint32(buf[28:32], uint32(info.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], info.ClientLCID)

	// Offset/length pairs at 36, 40, 44, 48, 52, 56, 60, 64, 68.
	pos := 36
	for i := range fields {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], offsets[i])
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], lengths[i])
		pos += 4
	}
	// ClientID MAC (6 bytes at 72) stays zeroed. The unused SSPI,
	// AttachDBFile, and ChangePassword slots point at the current end of
	// the variable region with length 0, the same as any other empty
	// field; the 4-byte long-SSPI length at 90 stays zero.
	for _, pairPos := range []int{78, 82, 86} {
		binary.LittleEndian.PutUint16(buf[pairPos:pairPos+2], uint16(offset))
	}

	return append(buf, varData...)
}

// NewLogin7 builds a Login7Info populated with this driver's fixed
// identity fields and the caller-supplied credentials.
func NewLogin7(cfg *Config, packetSize uint32) *Login7Info {
	return &Login7Info{
		TDSVersion:     tdsVersion74,
		PacketSize:     packetSize,
		ClientProgVer:  0x07000000,
		ClientPID:      uint32(processID()),
		ConnectionID:   0,
		OptionFlags1:   optionFlags1,
		OptionFlags2:   optionFlags2,
		TypeFlags:      typeFlags,
		OptionFlags3:   optionFlags3,
		ClientTimeZone: 0,
		ClientLCID:     clientLCID,
		HostName:       clientHostName(),
		UserName:       cfg.Username,
		Password:       cfg.Password,
		AppName:        cfg.ApplicationName,
		ServerName:     cfg.Host,
		CltIntName:     "go-tds",
		Language:       "",
		Database:       cfg.Database,
	}
}

// ParseLogin7 decodes a raw Login7 payload back into a Login7Info. It is
// used by tests to verify BuildLogin7 round-trips; nothing in the normal
// connect path decodes its own outbound Login7.
func ParseLogin7(payload []byte) (*Login7Info, error) {
	if len(payload) < login7FixedSize {
		return nil, &UnexpectedEofError{Message: "login7 fixed header"}
	}

	info := &Login7Info{
		TDSVersion:     binary.LittleEndian.Uint32(payload[4:8]),
		PacketSize:     binary.LittleEndian.Uint32(payload[8:12]),
		ClientProgVer:  binary.LittleEndian.Uint32(payload[12:16]),
		ClientPID:      binary.LittleEndian.Uint32(payload[16:20]),
		ConnectionID:   binary.LittleEndian.Uint32(payload[20:24]),
		OptionFlags1:   payload[24],
		OptionFlags2:   payload[25],
		TypeFlags:      payload[26],
		OptionFlags3:   payload[27],
		ClientTimeZone: int32(binary.LittleEndian.Uint32(payload[28:32])),
		ClientLCID:     binary.LittleEndian.Uint32(payload[32:36]),
	}

	readField := func(pairOffset int) (string, error) {
		if pairOffset+4 > login7FixedSize {
			return "", &UnexpectedEofError{Message: "login7 offset/length pair"}
		}
		off := int(binary.LittleEndian.Uint16(payload[pairOffset : pairOffset+2]))
		charLen := int(binary.LittleEndian.Uint16(payload[pairOffset+2 : pairOffset+4]))
		byteLen := charLen * 2
		if off+byteLen > len(payload) {
			return "", &UnexpectedEofError{Message: "login7 variable field"}
		}
		return decodeUCS2(payload[off : off+byteLen])
	}

	var err error
	if info.HostName, err = readField(36); err != nil {
		return nil, err
	}
	if info.UserName, err = readField(40); err != nil {
		return nil, err
	}
	// Password field (offset 44) is obfuscated on the wire; decode raw
	// bytes then reverse the XOR/nibble-swap before UCS-2 decoding.
	{
		off := int(binary.LittleEndian.Uint16(payload[44:46]))
		charLen := int(binary.LittleEndian.Uint16(payload[46:48]))
		byteLen := charLen * 2
		if off+byteLen > len(payload) {
			return nil, &UnexpectedEofError{Message: "login7 password field"}
		}
		plain := deobfuscatePassword(payload[off : off+byteLen])
		info.Password, err = decodeUCS2(plain)
		if err != nil {
			return nil, err
		}
	}
	if info.AppName, err = readField(48); err != nil {
		return nil, err
	}
	if info.ServerName, err = readField(52); err != nil {
		return nil, err
	}
	if info.CltIntName, err = readField(60); err != nil {
		return nil, err
	}
	if info.Language, err = readField(64); err != nil {
		return nil, err
	}
	if info.Database, err = readField(68); err != nil {
		return nil, err
	}

	return info, nil
}
