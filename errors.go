package tds

import "fmt"

// InvalidConfigError reports a Config that failed validation before any I/O
// was attempted.
type InvalidConfigError struct {
	Message string
}

func (e *InvalidConfigError) Error() string {
	return "tds: invalid config: " + e.Message
}

// IoError wraps a lower-layer socket failure.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("tds: io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// ConnectionFailedError reports that a Session is not in the Ready state:
// either Connect never reached it (a TCP-level failure, unrelated to
// config validity) or a prior I/O/protocol error already knocked the
// session out of Ready. Every operation called against a non-Ready
// session returns this until the caller reconnects with a fresh Session.
type ConnectionFailedError struct {
	Message string
}

func (e *ConnectionFailedError) Error() string {
	return "tds: connection failed: " + e.Message
}

// TimeoutError reports that a connect-time timer expired.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	return "tds: timeout: " + e.Message
}

// TlsError reports that encryption was requested by the server or the
// client, but this driver cannot provide it. The driver never falls back
// to cleartext silently.
type TlsError struct {
	Message string
}

func (e *TlsError) Error() string {
	return "tds: tls: " + e.Message
}

// ProtocolError reports that packet framing or the token stream violated
// the wire contract (truncated buffer, bad packet type, Row token before
// metadata, and similar).
type ProtocolError struct {
	Message string
	Got     PacketType
	Want    PacketType
}

func (e *ProtocolError) Error() string {
	if e.Got == 0 && e.Want == 0 {
		return "tds: protocol error: " + e.Message
	}
	return fmt.Sprintf("tds: protocol error: %s: got %s, want %s", e.Message, e.Got, e.Want)
}

// AuthenticationFailedError reports that the login sequence ended without
// a LoginAck token, or that a Done-family token carried the error bit
// during login.
type AuthenticationFailedError struct {
	Message string
}

func (e *AuthenticationFailedError) Error() string {
	return "tds: authentication failed: " + e.Message
}

// ServerError is a server-sourced ERROR token (MS-TDS 2.2.7.9), surfaced to
// the caller verbatim. It aborts the query that produced it but leaves the
// session Ready.
type ServerError struct {
	Code     int32
	Message  string
	Line     int32
	State    uint8
	Severity uint8
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tds: server error %d: %s (line %d, state %d)", e.Code, e.Message, e.Line, e.State)
}

// QueryFailedError reports that an operation's preconditions were not met
// even though the session itself is Ready — e.g. Commit or Rollback
// called with no transaction open. Distinct from ConnectionFailedError,
// which reports that the session itself isn't usable.
type QueryFailedError struct {
	Message string
}

func (e *QueryFailedError) Error() string {
	return "tds: query failed: " + e.Message
}

// EncodingError reports a UCS-2/UTF conversion failure: an odd byte length
// or an unpaired surrogate.
type EncodingError struct {
	Message string
}

func (e *EncodingError) Error() string {
	return "tds: encoding error: " + e.Message
}

// UnexpectedEofError reports that the token parser ran past the end of its
// buffer.
type UnexpectedEofError struct {
	Message string
}

func (e *UnexpectedEofError) Error() string {
	if e.Message == "" {
		return "tds: unexpected EOF"
	}
	return "tds: unexpected EOF: " + e.Message
}
