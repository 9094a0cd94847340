package tds

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildSqlBatchEmptyText(t *testing.T) {
	// Empty SQL text still produces a well-formed SqlBatch payload with
	// only the headers block and zero UCS-2 SQL bytes.
	payload := BuildSqlBatch("", 0)

	rest, err := skipAllHeaders(payload)
	if err != nil {
		t.Fatalf("skipAllHeaders: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected zero SQL bytes after headers, got %d", len(rest))
	}
}

func TestBuildSqlBatchRoundTrip(t *testing.T) {
	payload := BuildSqlBatch("SELECT 1", 0xDEADBEEF)

	totalLen := binary.LittleEndian.Uint32(payload[0:4])
	if int(totalLen) > len(payload) {
		t.Fatalf("ALL_HEADERS total length %d exceeds payload size %d", totalLen, len(payload))
	}

	headerType := binary.LittleEndian.Uint16(payload[8:10])
	if headerType != allHeaderTypeTransDescriptor {
		t.Fatalf("header type = 0x%04x, want 0x%04x", headerType, allHeaderTypeTransDescriptor)
	}
	gotDescriptor := binary.LittleEndian.Uint64(payload[10:18])
	if gotDescriptor != 0xDEADBEEF {
		t.Fatalf("transaction descriptor = 0x%x, want 0xDEADBEEF", gotDescriptor)
	}
	outstanding := binary.LittleEndian.Uint32(payload[18:22])
	if outstanding != 1 {
		t.Fatalf("outstanding request count = %d, want 1", outstanding)
	}

	sql, err := skipAllHeaders(payload)
	if err != nil {
		t.Fatalf("skipAllHeaders: %v", err)
	}
	decoded, err := decodeUCS2(sql)
	if err != nil {
		t.Fatalf("decodeUCS2: %v", err)
	}
	if decoded != "SELECT 1" {
		t.Fatalf("decoded SQL = %q, want %q", decoded, "SELECT 1")
	}
}

func TestSkipAllHeadersOutOfRange(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0x7F} // huge declared length, no data
	if _, err := skipAllHeaders(buf); err == nil {
		t.Fatal("expected error for out-of-range ALL_HEADERS length")
	}
}

func TestBuildExecuteSQLWithParamsUsesProcID(t *testing.T) {
	params := []Parameter{
		{Name: "p0", Value: Value{Kind: KindInt, Int64: 42}},
		{Name: "p1", Value: Value{Kind: KindNVarChar, Str: "hello"}},
	}
	payload, err := BuildExecuteSQL("SELECT @p0, @p1", "@p0 int,@p1 nvarchar(4000)", params, 0)
	if err != nil {
		t.Fatalf("BuildExecuteSQL: %v", err)
	}

	rest, err := skipAllHeaders(payload)
	if err != nil {
		t.Fatalf("skipAllHeaders: %v", err)
	}

	// ProcName-by-ID marker (0xFFFF) then the special proc ID.
	if binary.LittleEndian.Uint16(rest[0:2]) != 0xFFFF {
		t.Fatalf("expected proc-by-id marker")
	}
	procID := binary.LittleEndian.Uint16(rest[2:4])
	if procID != rpcExecSQLProcID {
		t.Fatalf("proc id = %d, want %d", procID, rpcExecSQLProcID)
	}
}

func TestBuildExecuteSQLWrapsStatementInPLP(t *testing.T) {
	sql := "SELECT @p0"
	payload, err := BuildExecuteSQL(sql, "@p0 int", nil, 0)
	if err != nil {
		t.Fatalf("BuildExecuteSQL: %v", err)
	}
	rest, err := skipAllHeaders(payload)
	if err != nil {
		t.Fatalf("skipAllHeaders: %v", err)
	}

	// Skip proc-by-id marker, proc id, and option flags, then the first
	// parameter's empty name, status byte, and 8-byte nvarchar(max)
	// TYPE_INFO; the PLP total length of the statement text follows.
	pos := 6 + 1 + 1 + 8
	total := binary.LittleEndian.Uint64(rest[pos : pos+8])
	if want := uint64(len(encodeUCS2(sql))); total != want {
		t.Errorf("PLP total length = %d, want %d", total, want)
	}
}

func TestBuildExecuteSQLPrefixesParamNamesWithAt(t *testing.T) {
	params := []Parameter{{Name: "p0", Value: Value{Kind: KindInt, Int64: 1}}}
	payload, err := BuildExecuteSQL("SELECT @p0", "@p0 int", params, 0)
	if err != nil {
		t.Fatalf("BuildExecuteSQL: %v", err)
	}

	// sp_executesql matches trailing parameters against the declaration
	// string by name, so the wire must carry "@p0", not "p0".
	want := writeBVarChar(nil, "@p0")
	if !bytes.Contains(payload, want) {
		t.Error("encoded RPC request does not carry the @-prefixed parameter name")
	}
	if bare := writeBVarChar(nil, "p0"); bytes.Contains(payload, bare) {
		t.Error("parameter name transmitted without the @ prefix")
	}
}

func TestBuildExecuteSQLUnsupportedParam(t *testing.T) {
	params := []Parameter{{Name: "p0", Value: Value{Kind: Kind(200)}}}
	if _, err := BuildExecuteSQL("SELECT @p0", "@p0 int", params, 0); err == nil {
		t.Fatal("expected encoding error for unsupported parameter kind")
	}
}
