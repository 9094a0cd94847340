package tds

import (
	"encoding/binary"
	"fmt"
)

// Pre-Login option tokens (MS-TDS 2.2.6.4).
const (
	PreLoginVersion    byte = 0x00
	PreLoginEncryption byte = 0x01
	PreLoginInstOpt    byte = 0x02
	PreLoginThreadID   byte = 0x03
	PreLoginMARS       byte = 0x04
	PreLoginTraceID    byte = 0x05
	PreLoginFedAuth    byte = 0x06
	PreLoginNonce      byte = 0x07
	PreLoginTerminator byte = 0xFF
)

// Encryption negotiation values carried in the ENCRYPTION option.
const (
	EncryptOff    byte = 0x00
	EncryptOn     byte = 0x01
	EncryptNotSup byte = 0x02
	EncryptReq    byte = 0x03
)

// PreLoginOption is one TLV entry of a Pre-Login message, in the order it
// was parsed or will be written.
type PreLoginOption struct {
	Token byte
	Data  []byte
}

// PreLoginMessage is the full set of options exchanged before Login7.
type PreLoginMessage struct {
	Options []PreLoginOption
}

// Get returns the raw data for a given option token, and whether it was
// present at all.
func (m *PreLoginMessage) Get(token byte) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Token == token {
			return o.Data, true
		}
	}
	return nil, false
}

// Set replaces or appends the option for token.
func (m *PreLoginMessage) Set(token byte, data []byte) {
	for i, o := range m.Options {
		if o.Token == token {
			m.Options[i].Data = data
			return
		}
	}
	m.Options = append(m.Options, PreLoginOption{Token: token, Data: data})
}

// Encryption returns the ENCRYPTION option's single byte, defaulting to
// EncryptOff if absent.
func (m *PreLoginMessage) Encryption() byte {
	if data, ok := m.Get(PreLoginEncryption); ok && len(data) > 0 {
		return data[0]
	}
	return EncryptOff
}

// NewClientPreLogin builds the Pre-Login message this driver sends: a
// version stub (driver doesn't emulate any particular SQL Server build),
// the requested encryption mode, and an empty-string instance/thread-id
// pair, matching what a real client sends for a default-instance,
// non-MARS, non-federated connection.
func NewClientPreLogin(encryption byte) *PreLoginMessage {
	m := &PreLoginMessage{}
	m.Set(PreLoginVersion, []byte{0, 0, 0, 0, 0, 0})
	m.Set(PreLoginEncryption, []byte{encryption})
	m.Set(PreLoginInstOpt, []byte{0x00})
	m.Set(PreLoginThreadID, []byte{0, 0, 0, 0})
	m.Set(PreLoginMARS, []byte{0x00})
	return m
}

// Marshal serializes the message to the Pre-Login wire format: a header
// block of (token, offset, length) triples followed by the concatenated
// option payloads, terminated by PreLoginTerminator.
func (m *PreLoginMessage) Marshal() []byte {
	headerSize := len(m.Options)*5 + 1 // 5 bytes/option + 1 terminator byte
	offset := headerSize

	header := make([]byte, 0, headerSize)
	payload := make([]byte, 0, 64)

	for _, o := range m.Options {
		entry := make([]byte, 5)
		entry[0] = o.Token
		binary.BigEndian.PutUint16(entry[1:3], uint16(offset))
		binary.BigEndian.PutUint16(entry[3:5], uint16(len(o.Data)))
		header = append(header, entry...)
		payload = append(payload, o.Data...)
		offset += len(o.Data)
	}
	header = append(header, PreLoginTerminator)

	return append(header, payload...)
}

// ParsePreLogin decodes a Pre-Login message from its wire form.
func ParsePreLogin(buf []byte) (*PreLoginMessage, error) {
	m := &PreLoginMessage{}
	pos := 0

	for {
		if pos >= len(buf) {
			return nil, &UnexpectedEofError{Message: "prelogin option header"}
		}
		token := buf[pos]
		if token == PreLoginTerminator {
			break
		}
		if pos+5 > len(buf) {
			return nil, &UnexpectedEofError{Message: "prelogin option header truncated"}
		}
		off := int(binary.BigEndian.Uint16(buf[pos+1 : pos+3]))
		length := int(binary.BigEndian.Uint16(buf[pos+3 : pos+5]))
		if off+length > len(buf) {
			return nil, &ProtocolError{Message: fmt.Sprintf("prelogin option %d data out of range", token)}
		}
		m.Options = append(m.Options, PreLoginOption{Token: token, Data: buf[off : off+length]})
		pos += 5
	}

	return m, nil
}

// NegotiateEncryption inspects the server's Pre-Login response and decides
// whether this driver can proceed. It never falls back to cleartext when
// the server demands encryption: ENCRYPT_REQ or ENCRYPT_ON from the server
// without client-side TLS support is a hard failure, since silently
// downgrading to cleartext would hand credentials to whatever negotiated
// the connection.
func NegotiateEncryption(clientWanted byte, serverResp *PreLoginMessage) (bool, error) {
	serverEnc := serverResp.Encryption()

	switch serverEnc {
	case EncryptNotSup:
		if clientWanted == EncryptReq {
			return false, &TlsError{Message: "client requires encryption but server does not support it"}
		}
		return false, nil
	case EncryptOff:
		if clientWanted == EncryptReq {
			return false, &TlsError{Message: "client requires encryption but server declined"}
		}
		return false, nil
	case EncryptOn, EncryptReq:
		return false, &TlsError{Message: "server requires TLS but this driver does not implement a TLS handshake"}
	default:
		return false, &ProtocolError{Message: fmt.Sprintf("unknown encryption option 0x%02x from server", serverEnc)}
	}
}
