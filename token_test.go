package tds

import (
	"bytes"
	"testing"
)

func int32Col(name string, nullable bool) []byte {
	flags := uint16(0)
	if nullable {
		flags = ColFlagNullable
	}
	buf := []byte{0, 0, 0, 0} // UserType
	buf = append(buf, byte(flags), byte(flags>>8))
	buf = append(buf, byte(sqlTypeInt4))
	buf = writeBVarChar(buf, name)
	return buf
}

// ColFlagNullable mirrors the COLMETADATA flag bit used by int32Col; kept
// local to the test file since production code never inspects it today.
const ColFlagNullable uint16 = 0x0001

func TestColMetaDataZeroColumnsOnFFFF(t *testing.T) {
	buf := []byte{byte(TokenColMetaData), 0xFF, 0xFF}
	tok, err := NewTokenParser(buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.ColMetaData == nil || len(tok.ColMetaData.Columns) != 0 {
		t.Errorf("expected zero columns, got %+v", tok.ColMetaData)
	}
}

func TestColMetaDataAndRowRoundTrip(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(TokenColMetaData))
	buf = append(buf, 1, 0) // one column
	buf = append(buf, int32Col("num", false)...)

	buf = append(buf, byte(TokenRow))
	rowVal := make([]byte, 4)
	rowVal[0] = 1
	buf = append(buf, rowVal...)

	p := NewTokenParser(buf)

	tok1, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok1.ColMetaData.Columns) != 1 || tok1.ColMetaData.Columns[0].Name != "num" {
		t.Fatalf("unexpected columns: %+v", tok1.ColMetaData.Columns)
	}

	tok2, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok2.Type != TokenRow {
		t.Fatalf("expected row token, got %v", tok2.Type)
	}
	if len(tok2.Row.Values) != 1 || tok2.Row.Values[0].Kind != KindInt || tok2.Row.Values[0].Int64 != 1 {
		t.Errorf("unexpected row values: %+v", tok2.Row.Values)
	}
}

func TestAllNullRowMatchesColumnCount(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(TokenColMetaData))
	buf = append(buf, 2, 0)

	// Column 0: BitN (nullable)
	buf = append(buf, 0, 0, 0, 0, 0, 0, byte(sqlTypeBitN), 1)
	buf = writeBVarChar(buf, "flag")

	// Column 1: NVarChar, classic (non-PLP) framing
	col1 := []byte{0, 0, 0, 0, 0, 0, byte(sqlTypeNVarChar)}
	col1 = append(col1, 0xA0, 0x00) // max length 160, not the 0xFFFF PLP marker
	col1 = append(col1, 0, 0, 0, 0, 0)
	col1 = writeBVarChar(col1, "label")
	buf = append(buf, col1...)

	buf = append(buf, byte(TokenRow))
	buf = append(buf, 0x00)       // BitN: size 0 => NULL
	buf = append(buf, 0xFF, 0xFF) // NVarChar: classic NULL sentinel

	p := NewTokenParser(buf)
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	rowTok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(rowTok.Row.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(rowTok.Row.Values))
	}
	for i, v := range rowTok.Row.Values {
		if !v.IsNull() {
			t.Errorf("value %d: expected NULL, got %+v", i, v)
		}
	}
}

func TestNbcRowNullBitmap(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(TokenColMetaData))
	buf = append(buf, 3, 0)
	buf = append(buf, int32Col("a", true)...)
	buf = append(buf, int32Col("b", true)...)
	buf = append(buf, int32Col("c", true)...)

	buf = append(buf, byte(TokenNbcRow))
	buf = append(buf, 0b00000010) // column b (index 1) is null
	buf = append(buf, 1, 0, 0, 0) // a = 1
	buf = append(buf, 3, 0, 0, 0) // c = 3

	p := NewTokenParser(buf)
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	rowTok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	vals := rowTok.Row.Values
	if vals[0].Int64 != 1 || !vals[1].IsNull() || vals[2].Int64 != 3 {
		t.Errorf("unexpected nbcrow decode: %+v", vals)
	}
}

func TestRowBeforeMetadataIsProtocolError(t *testing.T) {
	buf := []byte{byte(TokenRow), 1, 0, 0, 0}
	_, err := NewTokenParser(buf).Next()
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestErrorTokenParse(t *testing.T) {
	var body []byte
	body = append(body, 0, 0, 0, 0) // Number placeholder, filled below
	// Number (int32) = 50000
	body[0], body[1], body[2], body[3] = 0x50, 0xC3, 0, 0
	body = append(body, 5)            // State
	body = append(body, 16)           // Class
	body = writeUsVarChar(body, "Invalid object name 'missing'.")
	body = writeBVarChar(body, "myserver")
	body = writeBVarChar(body, "")
	body = append(body, 0, 0, 0, 0) // LineNo = 0

	var buf []byte
	buf = append(buf, byte(TokenError))
	buf = append(buf, byte(len(body)), byte(len(body)>>8))
	buf = append(buf, body...)

	tok, err := NewTokenParser(buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Error.Message != "Invalid object name 'missing'." {
		t.Errorf("unexpected message: %q", tok.Error.Message)
	}
	if tok.Error.Server != "myserver" {
		t.Errorf("unexpected server: %q", tok.Error.Server)
	}
}

func TestDoneTokenStraddlesPacketBoundary(t *testing.T) {
	var done []byte
	done = append(done, byte(TokenDone))
	done = append(done, byte(doneFinal|doneCount), 0) // status
	done = append(done, 0, 0)                         // curcmd
	done = append(done, 7, 0, 0, 0, 0, 0, 0, 0)        // rowcount = 7

	packets, _ := BuildPackets(PacketReply, done, HeaderSize+5, 0)
	if len(packets) < 2 {
		t.Fatalf("expected the tiny packet size to force a split, got %d packets", len(packets))
	}

	var wire bytes.Buffer
	for _, pkt := range packets {
		wire.Write(pkt)
	}

	_, payload, err := ReadMessage(&wire)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := NewTokenParser(payload).Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Done.RowCount != 7 || !tok.Done.HasCount() {
		t.Errorf("unexpected done token: %+v", tok.Done)
	}
}

func TestEnvChangeDatabase(t *testing.T) {
	var body []byte
	body = append(body, envTypDatabase)
	body = writeBVarChar(body, "appdb")
	body = writeBVarChar(body, "master")

	var buf []byte
	buf = append(buf, byte(TokenEnvChange))
	buf = append(buf, byte(len(body)), byte(len(body)>>8))
	buf = append(buf, body...)

	tok, err := NewTokenParser(buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.EnvChange.NewValue != "appdb" || tok.EnvChange.OldValue != "master" {
		t.Errorf("unexpected envchange: %+v", tok.EnvChange)
	}
}

func TestUnrecognizedEnvChangeSubtypeIsSkippedWithoutDesync(t *testing.T) {
	body := []byte{envSortFlagsForTest(), 1, 0xAA, 1, 0} // opaque subtype payload
	var buf []byte
	buf = append(buf, byte(TokenEnvChange))
	buf = append(buf, byte(len(body)), byte(len(body)>>8))
	buf = append(buf, body...)
	// A trailing Done token after the envchange proves the parser
	// resynced on the outer token length rather than getting lost.
	buf = append(buf, byte(TokenDone), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	p := NewTokenParser(buf)
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	tok, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tok.Type != TokenDone {
		t.Fatalf("expected to resync onto the Done token, got %v", tok.Type)
	}
}

func envSortFlagsForTest() byte { return 6 } // ENVCHANGE sort-flags subtype, not handled by the parser

func TestUnrecognizedTokenWithKnownLengthIsSkipped(t *testing.T) {
	body := []byte{1, 2, 3, 4} // opaque payload, contents irrelevant
	var buf []byte
	buf = append(buf, 0xF3) // a discriminator byte no case in Next handles
	buf = append(buf, byte(len(body)), byte(len(body)>>8))
	buf = append(buf, body...)
	// A trailing Done token proves the parser resynced on the declared
	// length rather than aborting the stream.
	buf = append(buf, byte(TokenDone), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	p := NewTokenParser(buf)
	tok, err := p.Next()
	if err != nil {
		t.Fatalf("expected the unrecognized token to be skipped, got error: %v", err)
	}
	if tok.Type != TokenUnknown {
		t.Fatalf("expected TokenUnknown, got %v", tok.Type)
	}
	if tok.Unknown == nil || tok.Unknown.RawType != 0xF3 || !bytes.Equal(tok.Unknown.Data, body) {
		t.Errorf("unexpected unknown token: %+v", tok.Unknown)
	}

	next, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if next.Type != TokenDone {
		t.Fatalf("expected to resync onto the Done token, got %v", next.Type)
	}
}

func TestUnrecognizedTokenWithTruncatedLengthAborts(t *testing.T) {
	buf := []byte{0xF3, 0x00} // discriminator plus a single byte, one short of the 2-byte length
	_, err := NewTokenParser(buf).Next()
	if err == nil {
		t.Fatal("expected an error when the length prefix itself can't be read")
	}
}

func TestUnrecognizedTokenWithOversizedLengthAborts(t *testing.T) {
	var buf []byte
	buf = append(buf, 0xF3)
	buf = append(buf, 0xFF, 0xFF) // declares 65535 bytes, far more than the buffer holds
	buf = append(buf, 1, 2, 3)

	_, err := NewTokenParser(buf).Next()
	if err == nil {
		t.Fatal("expected an error when the declared length runs past the buffer")
	}
	if _, ok := err.(*UnexpectedEofError); !ok {
		t.Errorf("expected *UnexpectedEofError, got %T: %v", err, err)
	}
}
