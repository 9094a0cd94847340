package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ── TDS packet types (MS-TDS 2.2.3.1.1) ─────────────────────────────────

// PacketType is the first byte of a TDS packet header.
type PacketType byte

const (
	PacketSQLBatch   PacketType = 0x01
	PacketRPCRequest PacketType = 0x03
	PacketReply      PacketType = 0x04 // server -> client, also the Pre-Login response
	PacketAttention  PacketType = 0x06
	PacketBulkLoad   PacketType = 0x07
	PacketTransMgr   PacketType = 0x0E
	PacketLogin7     PacketType = 0x10
	PacketSSPI       PacketType = 0x11
	PacketPreLogin   PacketType = 0x12
)

func (t PacketType) String() string {
	switch t {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketTransMgr:
		return "TRANS_MGR"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPI:
		return "SSPI"
	case PacketPreLogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// Packet status bits (MS-TDS 2.2.3.1.2).
const (
	StatusNormal    byte = 0x00
	StatusEOM       byte = 0x01
	StatusIgnore    byte = 0x02
	StatusResetConn byte = 0x08
)

// HeaderSize is the fixed size of a TDS packet header.
const HeaderSize = 8

// MinPacketSize and MaxPacketSize bound the negotiable packet size.
const (
	MinPacketSize = 512
	MaxPacketSize = 32767
)

// DefaultPacketSize is the size this driver requests during Login7.
const DefaultPacketSize = 4096

// Header is the 8-byte header that precedes every packet payload:
//
//	Byte 0:   Type
//	Byte 1:   Status (bit0 = end-of-message)
//	Byte 2-3: Length, including this header (big-endian)
//	Byte 4-5: SPID (big-endian)
//	Byte 6:   PacketID, an 8-bit wrapping counter per session
//	Byte 7:   Window, always 0
type Header struct {
	Type     PacketType
	Status   byte
	Length   uint16
	SPID     uint16
	PacketID byte
	Window   byte
}

// IsEOM reports whether this is the final packet of its message.
func (h *Header) IsEOM() bool {
	return h.Status&StatusEOM != 0
}

// PayloadLength returns the number of payload bytes (Length - HeaderSize).
func (h *Header) PayloadLength() int {
	if int(h.Length) <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// Marshal serializes the header to its 8-byte wire form.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	buf[1] = h.Status
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	return buf
}

// ParseHeader decodes an 8-byte buffer into a Header.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, &ProtocolError{Message: fmt.Sprintf("packet header too short: %d bytes", len(buf))}
	}
	h := &Header{
		Type:     PacketType(buf[0]),
		Status:   buf[1],
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize {
		return nil, &ProtocolError{Message: fmt.Sprintf("packet length %d is less than header size", h.Length)}
	}
	if int(h.Length) > MaxPacketSize {
		return nil, &ProtocolError{Message: fmt.Sprintf("packet length %d exceeds max %d", h.Length, MaxPacketSize)}
	}
	return h, nil
}

// ReadHeader reads and decodes one 8-byte header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return ParseHeader(buf)
}

// ReadPacket reads one full packet (header + payload) from r. Short reads
// are retried internally by io.ReadFull until the declared length is
// satisfied or the connection errors.
func ReadPacket(r io.Reader) (*Header, []byte, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}

	payloadLen := hdr.PayloadLength()
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading tds payload (%d bytes): %w", payloadLen, err)
		}
	}
	return hdr, payload, nil
}

// ReadMessage reads one logical message: one or more packets of the same
// type, concatenating their payloads, stopping at the first packet with
// the EOM status bit set. It returns the message's packet type and the
// concatenated payload.
func ReadMessage(r io.Reader) (PacketType, []byte, error) {
	var (
		pktType PacketType
		payload []byte
	)

	for {
		hdr, pkt, err := ReadPacket(r)
		if err != nil {
			return 0, nil, err
		}
		if pktType == 0 {
			pktType = hdr.Type
		} else if hdr.Type != pktType {
			return 0, nil, &ProtocolError{Message: "packet type changed mid-message", Got: hdr.Type, Want: pktType}
		}
		payload = append(payload, pkt...)
		if hdr.IsEOM() {
			break
		}
	}

	return pktType, payload, nil
}

// BuildPackets splits payload into one or more wire-ready packets
// (header included) of at most packetSize bytes each, setting the EOM bit
// only on the final packet and assigning a wrapping packet-id that starts
// at startID. It returns the built packets and the next packet-id to use.
// An empty payload still produces one EOM-only packet, since a message
// with zero payload bytes is still a complete message on the wire.
func BuildPackets(pktType PacketType, payload []byte, packetSize int, startID byte) ([][]byte, byte) {
	if packetSize <= HeaderSize {
		packetSize = DefaultPacketSize
	}
	maxPayload := packetSize - HeaderSize

	var packets [][]byte
	id := startID

	for {
		chunk := payload
		if len(chunk) > maxPayload {
			chunk = payload[:maxPayload]
		}
		status := StatusNormal
		remaining := payload[len(chunk):]
		if len(remaining) == 0 {
			status = StatusEOM
		}

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			PacketID: id,
		}
		pkt := make([]byte, HeaderSize+len(chunk))
		copy(pkt[:HeaderSize], hdr.Marshal())
		copy(pkt[HeaderSize:], chunk)
		packets = append(packets, pkt)
		id++

		payload = remaining
		if status == StatusEOM {
			break
		}
	}

	return packets, id
}
