package tds

import "testing"

func TestBuildLogin7RoundTrip(t *testing.T) {
	info := &Login7Info{
		TDSVersion:     tdsVersion74,
		PacketSize:     DefaultPacketSize,
		ClientProgVer:  0x07000000,
		ClientPID:      1234,
		OptionFlags1:   optionFlags1,
		OptionFlags2:   optionFlags2,
		ClientLCID:     clientLCID,
		HostName:       "workstation1",
		UserName:       "sa",
		Password:       "Sup3rSecret!",
		AppName:        "go-tds",
		ServerName:     "127.0.0.1",
		CltIntName:     "go-tds",
		Language:       "",
		Database:       "master",
	}

	payload := BuildLogin7(info)

	got, err := ParseLogin7(payload)
	if err != nil {
		t.Fatalf("ParseLogin7: %v", err)
	}

	for _, pair := range []struct{ name, got, want string }{
		{"HostName", got.HostName, info.HostName},
		{"UserName", got.UserName, info.UserName},
		{"Password", got.Password, info.Password},
		{"AppName", got.AppName, info.AppName},
		{"ServerName", got.ServerName, info.ServerName},
		{"CltIntName", got.CltIntName, info.CltIntName},
		{"Database", got.Database, info.Database},
	} {
		if pair.got != pair.want {
			t.Errorf("%s: got %q, want %q", pair.name, pair.got, pair.want)
		}
	}

	if got.TDSVersion != info.TDSVersion {
		t.Errorf("TDSVersion: got 0x%08x, want 0x%08x", got.TDSVersion, info.TDSVersion)
	}
}

func TestBuildLogin7TotalLengthMatchesActualBytes(t *testing.T) {
	info := &Login7Info{
		TDSVersion: tdsVersion74,
		PacketSize: DefaultPacketSize,
		ClientLCID: clientLCID,
		HostName:   "h",
		UserName:   "u",
		Password:   "p",
		AppName:    "a",
		ServerName: "s",
		CltIntName: "go-tds",
		Database:   "master",
	}

	payload := BuildLogin7(info)
	declaredLen := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24

	if int(declaredLen) != len(payload) {
		t.Errorf("declared length %d does not match actual byte length %d", declaredLen, len(payload))
	}
}

func TestBuildLogin7OffsetsWithinBounds(t *testing.T) {
	info := &Login7Info{
		TDSVersion: tdsVersion74,
		PacketSize: DefaultPacketSize,
		ClientLCID: clientLCID,
		HostName:   "host",
		UserName:   "user",
		Password:   "password123",
		AppName:    "app",
		ServerName: "server",
		CltIntName: "go-tds",
		Database:   "db",
	}
	payload := BuildLogin7(info)

	// Offset/length pairs live at fixed positions 36..71.
	for pos := 36; pos < 36+9*4; pos += 4 {
		off := int(payload[pos]) | int(payload[pos+1])<<8
		charLen := int(payload[pos+2]) | int(payload[pos+3])<<8
		byteLen := charLen * 2
		if off+byteLen > len(payload) {
			t.Errorf("field at pair offset %d: off=%d byteLen=%d exceeds payload length %d", pos, off, byteLen, len(payload))
		}
	}
}

func TestBuildLogin7UnusedSlotsPointAtEnd(t *testing.T) {
	info := &Login7Info{
		TDSVersion: tdsVersion74,
		PacketSize: DefaultPacketSize,
		ClientLCID: clientLCID,
		UserName:   "sa",
		Password:   "pw",
		Database:   "master",
	}
	payload := BuildLogin7(info)

	// SSPI, AttachDBFile, and ChangePassword pairs at 78, 82, 86 carry
	// the end-of-payload offset and zero length.
	for _, pos := range []int{78, 82, 86} {
		off := int(payload[pos]) | int(payload[pos+1])<<8
		length := int(payload[pos+2]) | int(payload[pos+3])<<8
		if off != len(payload) || length != 0 {
			t.Errorf("slot at %d: off=%d length=%d, want off=%d length=0", pos, off, length, len(payload))
		}
	}
}

func TestNewLogin7UsesConfigFields(t *testing.T) {
	cfg := &Config{
		Host:            "db.internal",
		Username:        "app_user",
		Password:        "hunter2",
		Database:        "appdb",
		ApplicationName: "myapp",
	}
	info := NewLogin7(cfg, DefaultPacketSize)

	if info.UserName != cfg.Username || info.Password != cfg.Password || info.Database != cfg.Database {
		t.Error("NewLogin7 did not carry config credentials through")
	}
	if info.TDSVersion != tdsVersion74 {
		t.Errorf("expected TDS version 0x%08x, got 0x%08x", tdsVersion74, info.TDSVersion)
	}
}
