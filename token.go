package tds

import (
	"encoding/binary"
	"fmt"
	"log"
)

// Token type discriminators (MS-TDS 2.2.7).
type TokenType byte

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetaData   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNbcRow        TokenType = 0xD2
	TokenEnvChange     TokenType = 0xE3
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF

	// TokenUnknown is never sent on the wire; it tags a Token synthesized
	// for a discriminator byte this driver doesn't otherwise recognize.
	// 0x00 is not used by any real token, so it's safe as a sentinel.
	TokenUnknown TokenType = 0x00
)

// Done-family status flags (MS-TDS 2.2.7.6).
const (
	doneFinal    uint16 = 0x00
	doneMore     uint16 = 0x01
	doneError    uint16 = 0x02
	doneInxact   uint16 = 0x04
	doneCount    uint16 = 0x10
	doneAttn     uint16 = 0x20
	doneSrvError uint16 = 0x100
)

// EnvChange subtypes actually handled; unrecognized subtypes are skipped
// using the 2-byte length every ENVCHANGE token opens with, so skipping an
// unhandled subtype never desyncs the stream.
const (
	envTypDatabase   byte = 1
	envTypPacketSize byte = 4
	envTypBeginTran  byte = 8
	envTypCommitTran byte = 9
	envTypRollback   byte = 10
	envTypRouting    byte = 20
)

// DoneToken is the decoded form of Done/DoneProc/DoneInProc.
type DoneToken struct {
	Kind     TokenType
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d DoneToken) HasError() bool { return d.Status&doneError != 0 }
func (d DoneToken) HasMore() bool  { return d.Status&doneMore != 0 }
func (d DoneToken) HasCount() bool { return d.Status&doneCount != 0 }

// ErrorToken and InfoToken share the MS-TDS 2.2.7.9/.10 layout.
type ErrorToken struct {
	Number   int32
	State    uint8
	Class    uint8
	Message  string
	Server   string
	Proc     string
	LineNo   int32
}

// EnvChangeToken reports a value the server asked the client to start
// using; Routing additionally carries the alternate host/port to
// reconnect to.
type EnvChangeToken struct {
	SubType     byte
	NewValue    string
	OldValue    string
	RoutingHost string
	RoutingPort uint16
}

// LoginAckToken reports how the server completed login.
type LoginAckToken struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

// ColumnDescriptor is one entry of a ColMetaData token.
type ColumnDescriptor struct {
	UserType uint32
	Flags    uint16
	TypeInfo TypeInfo
	Name     string
}

// ColMetaDataToken is the decoded form of a ColMetaData token. A count of
// 0xFFFF means "no metadata" (e.g. a DDL statement with no result set),
// represented here as a nil Columns slice.
type ColMetaDataToken struct {
	Columns []ColumnDescriptor
}

// RowToken carries one decoded row, positionally aligned with the most
// recent ColMetaDataToken.
type RowToken struct {
	Values []Value
}

// ReturnValueToken is an output-parameter or return-status value from an
// RPC call.
type ReturnValueToken struct {
	Ordinal uint16
	Name    string
	Value   Value
}

// FeatureExtAckToken records which optional TDS features the server
// confirmed; this driver negotiates none, so an empty map is the expected
// shape. Any features the server does list are kept as raw bytes.
type FeatureExtAckToken struct {
	Features map[byte][]byte
}

// OrderToken lists the column indexes a result set is sorted by.
type OrderToken struct {
	ColumnIDs []uint16
}

// UnknownToken is a raw, unparsed entry for a discriminator byte this
// driver does not recognize. Its Data is exactly the bytes the parser
// skipped to stay aligned with the rest of the stream.
type UnknownToken struct {
	RawType byte
	Data    []byte
}

// Token is the parsed form of one token-stream entry. Exactly one of the
// typed fields is populated, selected by Type.
type Token struct {
	Type TokenType

	Done          *DoneToken
	Error         *ErrorToken
	Info          *ErrorToken
	EnvChange     *EnvChangeToken
	LoginAck      *LoginAckToken
	ColMetaData   *ColMetaDataToken
	Row           *RowToken
	ReturnStatus  int32
	ReturnValue   *ReturnValueToken
	FeatureExtAck *FeatureExtAckToken
	Order         *OrderToken
	Unknown       *UnknownToken
}

// TokenParser walks a concatenated response-message payload, emitting one
// Token per entry. It keeps the most recently seen ColMetaDataToken so
// that Row/NbcRow tokens, which are purely positional on the wire, can
// be decoded against the right column types. The parse is a synchronous
// fold over the buffer: this driver allows exactly one request in
// flight, so there is nothing to interleave.
type TokenParser struct {
	buf         []byte
	pos         int
	currentCols []ColumnDescriptor
}

// NewTokenParser wraps buf (the concatenated payload of one response
// message) for sequential token decoding.
func NewTokenParser(buf []byte) *TokenParser {
	return &TokenParser{buf: buf}
}

// Next decodes and returns the next token, or (nil, nil) at end of
// buffer.
func (p *TokenParser) Next() (*Token, error) {
	if p.pos >= len(p.buf) {
		return nil, nil
	}

	t := TokenType(p.buf[p.pos])
	p.pos++

	switch t {
	case TokenReturnStatus:
		v, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		return &Token{Type: t, ReturnStatus: v}, nil

	case TokenColMetaData:
		return p.parseColMetaData()

	case TokenOrder:
		return p.parseOrder()

	case TokenError:
		e, err := p.parseErrorOrInfo()
		if err != nil {
			return nil, err
		}
		return &Token{Type: t, Error: e}, nil

	case TokenInfo:
		e, err := p.parseErrorOrInfo()
		if err != nil {
			return nil, err
		}
		return &Token{Type: t, Info: e}, nil

	case TokenLoginAck:
		return p.parseLoginAck()

	case TokenFeatureExtAck:
		return p.parseFeatureExtAck()

	case TokenRow:
		return p.parseRow(false)

	case TokenNbcRow:
		return p.parseRow(true)

	case TokenEnvChange:
		return p.parseEnvChange()

	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return p.parseDone(t)

	case TokenReturnValue:
		return p.parseReturnValue()

	default:
		return p.parseUnknownToken(t)
	}
}

// parseUnknownToken handles a discriminator byte this driver does not
// recognize. Every variable-length token already handled above (Error,
// Info, LoginAck, EnvChange) opens with a 2-byte little-endian length
// covering the rest of its body; an unrecognized token is assumed to
// follow the same shape, since that's the only length convention this
// stream actually uses. If that assumption holds, the entry is skipped
// whole and logged as a warning, and parsing resumes right after it with
// the rest of the stream none the wiser. If the length can't even be
// read, or it claims more bytes than remain, there's no way to know
// where the next real token starts, so parsing aborts rather than
// guessing.
func (p *TokenParser) parseUnknownToken(t TokenType) (*Token, error) {
	size, err := p.readUint16()
	if err != nil {
		return nil, fmt.Errorf("unrecognized token 0x%02x: %w", byte(t), err)
	}
	end := p.pos + int(size)
	if end > len(p.buf) {
		return nil, &UnexpectedEofError{Message: fmt.Sprintf("unrecognized token 0x%02x: declared length runs past end of buffer", byte(t))}
	}
	data := append([]byte(nil), p.buf[p.pos:end]...)
	p.pos = end

	log.Printf("tds: skipping unrecognized token 0x%02x (%d bytes)", byte(t), len(data))
	return &Token{Type: TokenUnknown, Unknown: &UnknownToken{RawType: byte(t), Data: data}}, nil
}

// ParseAll decodes every token in buf in order. It stops at the first
// error and returns the tokens decoded before it together with that error.
func ParseAll(buf []byte) ([]Token, error) {
	p := NewTokenParser(buf)
	var tokens []Token
	for {
		tok, err := p.Next()
		if err != nil {
			return tokens, err
		}
		if tok == nil {
			return tokens, nil
		}
		tokens = append(tokens, *tok)
	}
}

func (p *TokenParser) readByte() (byte, error) {
	if p.pos >= len(p.buf) {
		return 0, &UnexpectedEofError{}
	}
	b := p.buf[p.pos]
	p.pos++
	return b, nil
}

func (p *TokenParser) readUint16() (uint16, error) {
	if p.pos+2 > len(p.buf) {
		return 0, &UnexpectedEofError{}
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v, nil
}

func (p *TokenParser) readUint32() (uint32, error) {
	if p.pos+4 > len(p.buf) {
		return 0, &UnexpectedEofError{}
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *TokenParser) readInt32() (int32, error) {
	v, err := p.readUint32()
	return int32(v), err
}

func (p *TokenParser) readUint64() (uint64, error) {
	if p.pos+8 > len(p.buf) {
		return 0, &UnexpectedEofError{}
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v, nil
}

func (p *TokenParser) readBVarChar() (string, error) {
	s, next, err := readBVarChar(p.buf, p.pos)
	if err != nil {
		return "", err
	}
	p.pos = next
	return s, nil
}

func (p *TokenParser) readUsVarChar() (string, error) {
	s, next, err := readUsVarChar(p.buf, p.pos)
	if err != nil {
		return "", err
	}
	p.pos = next
	return s, nil
}

func (p *TokenParser) readBVarByte() ([]byte, error) {
	n, err := p.readByte()
	if err != nil {
		return nil, err
	}
	if p.pos+int(n) > len(p.buf) {
		return nil, &UnexpectedEofError{Message: "b_varbyte"}
	}
	b := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return b, nil
}

func (p *TokenParser) parseColMetaData() (*Token, error) {
	count, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	if count == 0xFFFF {
		p.currentCols = nil
		return &Token{Type: TokenColMetaData, ColMetaData: &ColMetaDataToken{}}, nil
	}

	cols := make([]ColumnDescriptor, count)
	for i := range cols {
		userType, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		flags, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		ti, next, err := parseTypeInfo(p.buf, p.pos)
		if err != nil {
			return nil, err
		}
		p.pos = next
		name, err := p.readBVarChar()
		if err != nil {
			return nil, err
		}
		cols[i] = ColumnDescriptor{UserType: userType, Flags: flags, TypeInfo: ti, Name: name}
	}

	p.currentCols = cols
	return &Token{Type: TokenColMetaData, ColMetaData: &ColMetaDataToken{Columns: cols}}, nil
}

func (p *TokenParser) parseRow(nbc bool) (*Token, error) {
	if p.currentCols == nil {
		return nil, &ProtocolError{Message: "row token with no preceding column metadata"}
	}

	values := make([]Value, len(p.currentCols))

	var nullBitmap []byte
	if nbc {
		bitlen := (len(p.currentCols) + 7) / 8
		if p.pos+bitlen > len(p.buf) {
			return nil, &UnexpectedEofError{Message: "nbcrow null bitmap"}
		}
		nullBitmap = p.buf[p.pos : p.pos+bitlen]
		p.pos += bitlen
	}

	for i, col := range p.currentCols {
		if nbc && nullBitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			values[i] = nullValue()
			continue
		}
		v, next, err := decodeValue(col.TypeInfo, p.buf, p.pos)
		if err != nil {
			return nil, fmt.Errorf("decoding column %d (%s): %w", i, col.Name, err)
		}
		p.pos = next
		values[i] = v
	}

	tokType := TokenRow
	if nbc {
		tokType = TokenNbcRow
	}
	return &Token{Type: tokType, Row: &RowToken{Values: values}}, nil
}

func (p *TokenParser) parseErrorOrInfo() (*ErrorToken, error) {
	if _, err := p.readUint16(); err != nil { // token length, unused: fields are self-delimiting
		return nil, err
	}
	number, err := p.readInt32()
	if err != nil {
		return nil, err
	}
	state, err := p.readByte()
	if err != nil {
		return nil, err
	}
	class, err := p.readByte()
	if err != nil {
		return nil, err
	}
	message, err := p.readUsVarChar()
	if err != nil {
		return nil, err
	}
	server, err := p.readBVarChar()
	if err != nil {
		return nil, err
	}
	proc, err := p.readBVarChar()
	if err != nil {
		return nil, err
	}
	line, err := p.readInt32()
	if err != nil {
		return nil, err
	}
	return &ErrorToken{Number: number, State: state, Class: class, Message: message, Server: server, Proc: proc, LineNo: line}, nil
}

func (p *TokenParser) parseLoginAck() (*Token, error) {
	size, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	start := p.pos
	end := start + int(size)
	if end > len(p.buf) {
		return nil, &UnexpectedEofError{Message: "loginack"}
	}
	buf := p.buf[start:end]
	p.pos = end

	if len(buf) < 10 {
		return nil, &UnexpectedEofError{Message: "loginack too short"}
	}
	ack := &LoginAckToken{
		Interface:  buf[0],
		TDSVersion: binary.BigEndian.Uint32(buf[1:5]),
	}
	progNameLen := int(buf[5])
	progNameEnd := 6 + progNameLen*2
	if progNameEnd > len(buf) {
		return nil, &UnexpectedEofError{Message: "loginack prog name"}
	}
	if want := progNameEnd + 4; want != len(buf) {
		log.Printf("tds: loginack declares %d bytes but its fields take %d", len(buf), want)
	}
	name, err := decodeUCS2(buf[6:progNameEnd])
	if err != nil {
		// Tolerate a malformed server program name: login already
		// succeeded by the time this field is read, so this is not
		// treated as an authentication failure.
		name = ""
	}
	ack.ProgName = name
	if len(buf) >= 4 {
		ack.ProgVer = binary.BigEndian.Uint32(buf[len(buf)-4:])
	}
	return &Token{Type: TokenLoginAck, LoginAck: ack}, nil
}

const featExtTerminator byte = 0xFF

func (p *TokenParser) parseFeatureExtAck() (*Token, error) {
	ack := &FeatureExtAckToken{Features: map[byte][]byte{}}
	for {
		feature, err := p.readByte()
		if err != nil {
			return nil, err
		}
		if feature == featExtTerminator {
			break
		}
		length, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		if p.pos+int(length) > len(p.buf) {
			return nil, &UnexpectedEofError{Message: "featureextack data"}
		}
		ack.Features[feature] = append([]byte(nil), p.buf[p.pos:p.pos+int(length)]...)
		p.pos += int(length)
	}
	return &Token{Type: TokenFeatureExtAck, FeatureExtAck: ack}, nil
}

func (p *TokenParser) parseOrder() (*Token, error) {
	size, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	n := int(size) / 2
	ids := make([]uint16, n)
	for i := 0; i < n; i++ {
		v, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		ids[i] = v
	}
	return &Token{Type: TokenOrder, Order: &OrderToken{ColumnIDs: ids}}, nil
}

func (p *TokenParser) parseDone(t TokenType) (*Token, error) {
	status, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	curCmd, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	rowCount, err := p.readUint64()
	if err != nil {
		return nil, err
	}
	return &Token{Type: t, Done: &DoneToken{Kind: t, Status: status, CurCmd: curCmd, RowCount: rowCount}}, nil
}

// parseEnvChange decodes the subset of ENVCHANGE subtypes this driver
// acts on (database-context switch, packet-size renegotiation,
// transaction begin/commit/rollback, routing) and skips the rest using
// the outer token length, so an unrecognized subtype never desynchronizes
// the stream.
func (p *TokenParser) parseEnvChange() (*Token, error) {
	size, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	end := p.pos + int(size)
	if end > len(p.buf) {
		return nil, &UnexpectedEofError{Message: "envchange"}
	}

	subType, err := p.readByte()
	if err != nil {
		return nil, err
	}

	ec := &EnvChangeToken{SubType: subType}

	switch subType {
	case envTypDatabase, envTypPacketSize:
		newVal, err := p.readBVarChar()
		if err != nil {
			return nil, err
		}
		oldVal, err := p.readBVarChar()
		if err != nil {
			return nil, err
		}
		ec.NewValue, ec.OldValue = newVal, oldVal

	case envTypBeginTran:
		newVal, err := p.readBVarByte()
		if err != nil {
			return nil, err
		}
		if _, err := p.readBVarByte(); err != nil {
			return nil, err
		}
		if len(newVal) == 8 {
			ec.NewValue = fmt.Sprintf("%x", newVal)
		}

	case envTypCommitTran, envTypRollback:
		if _, err := p.readBVarByte(); err != nil {
			return nil, err
		}
		if _, err := p.readBVarByte(); err != nil {
			return nil, err
		}

	case envTypRouting:
		// New value: 2-byte length, 1-byte protocol(0), 2-byte port,
		// 2-byte hostname length, UCS-2 hostname. Old value: empty.
		if p.pos+2 > end {
			return nil, &UnexpectedEofError{Message: "routing new value length"}
		}
		if _, err := p.readUint16(); err != nil { // routing data length, redundant with `end`
			return nil, err
		}
		if _, err := p.readByte(); err != nil { // protocol, always 0 (TCP)
			return nil, err
		}
		port, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		host, err := p.readUsVarChar()
		if err != nil {
			return nil, err
		}
		ec.RoutingPort = port
		ec.RoutingHost = host

	default:
		// Unhandled subtype: skip straight to the token's declared end.
	}

	p.pos = end
	return &Token{Type: TokenEnvChange, EnvChange: ec}, nil
}

func (p *TokenParser) parseReturnValue() (*Token, error) {
	ordinal, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	name, err := p.readBVarChar()
	if err != nil {
		return nil, err
	}
	if _, err := p.readByte(); err != nil { // status
		return nil, err
	}
	if _, err := p.readUint32(); err != nil { // user type
		return nil, err
	}
	if _, err := p.readUint16(); err != nil { // flags
		return nil, err
	}
	ti, next, err := parseTypeInfo(p.buf, p.pos)
	if err != nil {
		return nil, err
	}
	p.pos = next
	val, next, err := decodeValue(ti, p.buf, p.pos)
	if err != nil {
		return nil, err
	}
	p.pos = next

	return &Token{Type: TokenReturnValue, ReturnValue: &ReturnValueToken{Ordinal: ordinal, Name: name, Value: val}}, nil
}
