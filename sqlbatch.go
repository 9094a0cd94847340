package tds

import (
	"encoding/binary"
	"fmt"
)

// ALL_HEADERS header types (MS-TDS 2.2.5.3.1).
const allHeaderTypeTransDescriptor uint16 = 0x0002

// buildAllHeaders encodes the ALL_HEADERS block that precedes every
// SqlBatch/RPCRequest payload after login: one Transaction Descriptor
// header carrying the session's current descriptor (zero when no
// transaction is open) and an outstanding-request count of one.
//
// Wire shape: a 4-byte TotalLength (including itself), followed by one or
// more headers, each itself prefixed by its own length:
//
//	TotalLength        uint32 LE
//	  HeaderLength      uint32 LE  (= 18 for a transaction descriptor header)
//	  HeaderType        uint16 LE  (= 0x0002)
//	  TransactionDescriptor uint64 LE
//	  OutstandingRequestCount uint32 LE
func buildAllHeaders(transactionDescriptor uint64) []byte {
	const headerLen = 4 + 2 + 8 + 4 // length field + type + descriptor + count
	const totalLen = 4 + headerLen

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], headerLen)
	binary.LittleEndian.PutUint16(buf[8:10], allHeaderTypeTransDescriptor)
	binary.LittleEndian.PutUint64(buf[10:18], transactionDescriptor)
	binary.LittleEndian.PutUint32(buf[18:22], 1) // outstanding request count
	return buf
}

// skipAllHeaders returns the payload slice that follows an ALL_HEADERS
// block, given the block's own TotalLength prefix. Every SqlBatch or
// RPCRequest body after login begins with this block, so anything that
// needs to reach the SQL text or RPC procedure name — encoding, decoding,
// or inspecting a request — has to skip past it first.
func skipAllHeaders(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, &UnexpectedEofError{Message: "all_headers total length"}
	}
	totalLen := int(binary.LittleEndian.Uint32(payload[0:4]))
	if totalLen < 4 || totalLen > len(payload) {
		return nil, &ProtocolError{Message: "all_headers total length out of range"}
	}
	return payload[totalLen:], nil
}

// BuildSqlBatch encodes a SqlBatch request body: ALL_HEADERS followed by
// the SQL text as UCS-2 LE with no length prefix — it runs to the end of
// the message. An empty sql string still yields a well-formed packet
// consisting of only the headers block.
func BuildSqlBatch(sql string, transactionDescriptor uint64) []byte {
	payload := buildAllHeaders(transactionDescriptor)
	return append(payload, encodeUCS2(sql)...)
}

// rpcExecSQLProcID identifies the built-in sp_executesql procedure by its
// well-known special procedure ID rather than by name (MS-TDS 2.2.6.6).
const rpcExecSQLProcID uint16 = 10

// RPC option flags (MS-TDS 2.2.6.6).
const rpcOptionFlagsNone uint16 = 0x0000

// rpcParam is one parameter of an RPCRequest, already encoded in its
// TYPE_INFO + value wire form.
type rpcParam struct {
	name     string // empty for positional parameters
	status   byte   // bit 0x01 = output parameter
	typeInfo []byte
	value    []byte
}

// BuildExecuteSQL encodes an RPCRequest body invoking sp_executesql(sql,
// paramDefs, ...params), the same special procedure SQL Server drivers
// use for parameterized ad-hoc queries. paramDefs is the N'@p1 int,@p2
// nvarchar(50)' declaration string sp_executesql expects as its second
// argument.
func BuildExecuteSQL(sql string, paramDefs string, params []Parameter, transactionDescriptor uint64) ([]byte, error) {
	payload := buildAllHeaders(transactionDescriptor)

	// ProcName by PROC_ID: 0xFFFF marker followed by the 2-byte ID.
	payload = binary.LittleEndian.AppendUint16(payload, 0xFFFF)
	payload = binary.LittleEndian.AppendUint16(payload, rpcExecSQLProcID)
	payload = binary.LittleEndian.AppendUint16(payload, rpcOptionFlagsNone)

	encodeParam := func(name string, p rpcParam) error {
		payload = writeBVarChar(payload, name)
		payload = append(payload, p.status)
		payload = append(payload, p.typeInfo...)
		payload = append(payload, p.value...)
		return nil
	}

	sqlParam := rpcParam{typeInfo: ntextTypeInfo(), value: encodePLPValue(encodeUCS2(sql))}
	if err := encodeParam("", sqlParam); err != nil {
		return nil, err
	}
	defsParam := rpcParam{typeInfo: ntextTypeInfo(), value: encodePLPValue(encodeUCS2(paramDefs))}
	if err := encodeParam("", defsParam); err != nil {
		return nil, err
	}

	for i, p := range params {
		enc, err := encodeParameter(p)
		if err != nil {
			return nil, fmt.Errorf("encoding parameter %d (%s): %w", i, p.Name, err)
		}
		// sp_executesql binds trailing parameters to the declaration
		// string by name, so the wire name needs the @ the declaration
		// carries; Parameter.Name stays bare.
		name := p.Name
		if name != "" {
			name = "@" + name
		}
		if err := encodeParam(name, enc); err != nil {
			return nil, err
		}
	}

	return payload, nil
}
