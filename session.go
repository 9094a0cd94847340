package tds

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"runtime"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/joao-brasil/go-tds/internal/metrics"
)

// sessionState is the Connect/Login/Ready/Closed state machine a Session
// moves through. It is only ever mutated by the goroutine that owns the
// Session — a Session is not safe to share across goroutines — so it
// needs no synchronization of its own; IsAlive is the one field a second
// goroutine is allowed to read, and it gets its own atomic.
type sessionState int

const (
	stateInit sessionState = iota
	stateTcpOpen
	stateWaitPreLoginResp
	stateLoginReady
	stateLogin7Sent
	stateWaitLoginResp
	stateReady
	stateAuthFailed
	stateProtocolFailed
	stateClosed
)

// Session is one authenticated TDS connection. Exactly one Query or
// Execute may be in flight at a time; concurrent use requires separate
// Sessions.
type Session struct {
	conn  net.Conn
	cfg   *Config
	state sessionState
	alive atomic.Bool

	packetID              byte
	packetSize            uint32
	transactionDescriptor uint64
	database              string
}

// QueryResult is the outcome of Query or Execute.
type QueryResult struct {
	Columns      []ColumnDescriptor
	Rows         [][]Value
	RowsAffected uint64
}

// Connect dials cfg.Address, runs Pre-Login/Login7, and returns a Ready
// Session. It never silently falls back to cleartext when TLS is
// negotiated: see NegotiateEncryption.
func Connect(ctx context.Context, cfg *Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		metrics.ConnectsTotal.WithLabelValues(cfg.Database, "io_error").Inc()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, &TimeoutError{Message: fmt.Sprintf("connecting to %s: %v", cfg.Address(), err)}
		}
		return nil, &IoError{Op: "dial", Err: err}
	}

	s := &Session{
		conn:       conn,
		cfg:        cfg,
		state:      stateTcpOpen,
		packetSize: DefaultPacketSize,
		database:   cfg.Database,
	}

	if err := s.runHandshake(cfg); err != nil {
		conn.Close()
		metrics.ConnectsTotal.WithLabelValues(cfg.Database, errorStatus(err)).Inc()
		return nil, err
	}

	s.alive.Store(true)
	metrics.ConnectsTotal.WithLabelValues(cfg.Database, "ok").Inc()
	metrics.ConnectDuration.WithLabelValues(cfg.Database).Observe(time.Since(start).Seconds())
	metrics.SessionsActive.Inc()

	runtime.SetFinalizer(s, (*Session).finalize)
	return s, nil
}

func errorStatus(err error) string {
	switch err.(type) {
	case *TimeoutError:
		return "timeout"
	case *TlsError:
		return "tls"
	case *AuthenticationFailedError:
		return "auth_failed"
	case *ServerError:
		return "server_error"
	default:
		return "error"
	}
}

func (s *Session) runHandshake(cfg *Config) error {
	preLogin := NewClientPreLogin(cfg.encryptionRequest())
	if err := s.sendMessage(PacketPreLogin, preLogin.Marshal()); err != nil {
		return err
	}

	s.state = stateWaitPreLoginResp
	pktType, payload, err := ReadMessage(s.conn)
	if err != nil {
		return s.ioFailure("reading prelogin response", err)
	}
	if pktType != PacketReply {
		return &ProtocolError{Message: "unexpected packet type for prelogin response", Got: pktType, Want: PacketReply}
	}

	serverPreLogin, err := ParsePreLogin(payload)
	if err != nil {
		return err
	}
	if _, err := NegotiateEncryption(cfg.encryptionRequest(), serverPreLogin); err != nil {
		return err
	}

	s.state = stateLoginReady
	return s.sendLogin7(cfg)
}

func (s *Session) sendLogin7(cfg *Config) error {
	info := NewLogin7(cfg, s.packetSize)
	payload := BuildLogin7(info)

	s.state = stateLogin7Sent
	if err := s.sendMessage(PacketLogin7, payload); err != nil {
		return err
	}

	s.state = stateWaitLoginResp
	pktType, respPayload, err := ReadMessage(s.conn)
	if err != nil {
		return s.ioFailure("reading login7 response", err)
	}
	if pktType != PacketReply {
		return &ProtocolError{Message: "unexpected packet type for login7 response", Got: pktType, Want: PacketReply}
	}

	var gotLoginAck bool
	var authErr *ErrorToken

	parser := NewTokenParser(respPayload)
	for {
		tok, err := parser.Next()
		if err != nil {
			s.state = stateAuthFailed
			return err
		}
		if tok == nil {
			break
		}
		switch tok.Type {
		case TokenLoginAck:
			gotLoginAck = true
		case TokenError:
			authErr = tok.Error
		case TokenEnvChange:
			if tok.EnvChange.SubType == envTypRouting {
				s.state = stateProtocolFailed
				return &ProtocolError{Message: fmt.Sprintf("server requested routing to %s:%d; redirects are not followed", tok.EnvChange.RoutingHost, tok.EnvChange.RoutingPort)}
			}
			s.applyEnvChange(tok.EnvChange)
		case TokenDone, TokenDoneProc, TokenDoneInProc:
			if tok.Done.HasError() && authErr == nil {
				authErr = &ErrorToken{Message: "login failed (done-error bit set, no error token)"}
			}
		case TokenInfo:
			log.Printf("tds: info: %s", tok.Info.Message)
		}
	}

	if !gotLoginAck || authErr != nil {
		s.state = stateAuthFailed
		if authErr != nil {
			return &AuthenticationFailedError{Message: authErr.Message}
		}
		return &AuthenticationFailedError{Message: "server closed login without a LoginAck token"}
	}

	s.state = stateReady
	return nil
}

func (s *Session) applyEnvChange(ec *EnvChangeToken) {
	switch ec.SubType {
	case envTypDatabase:
		s.database = ec.NewValue
	case envTypPacketSize:
		if n, err := parsePacketSize(ec.NewValue); err == nil && n > 0 {
			s.packetSize = n
		}
	case envTypBeginTran:
		// Server-assigned transaction descriptor replaces the zero one
		// used for the request that opened it.
		if v, err := parseHexUint64(ec.NewValue); err == nil {
			s.transactionDescriptor = v
		}
	case envTypCommitTran, envTypRollback:
		s.transactionDescriptor = 0
	}
}

func parsePacketSize(s string) (uint32, error) {
	var n uint32
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// parseHexUint64 decodes the hex dump of the 8 descriptor bytes the
// server sent (little-endian on the wire) back into the uint64 that
// ALL_HEADERS writes out in the same byte order.
func parseHexUint64(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("transaction descriptor is %d bytes, want 8", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// sendMessage frames payload into one or more packets of pktType at the
// session's current packet size and writes them to the socket.
func (s *Session) sendMessage(pktType PacketType, payload []byte) error {
	packets, nextID := BuildPackets(pktType, payload, int(s.packetSize), s.packetID)
	s.packetID = nextID

	var sent int
	for _, pkt := range packets {
		n, err := s.conn.Write(pkt)
		sent += n
		if err != nil {
			return s.ioFailure("writing packet", err)
		}
	}
	metrics.BytesSent.WithLabelValues(s.database).Add(float64(sent))
	return nil
}

// ioFailure records that the socket is no longer trustworthy and puts
// the session in ProtocolFailed: any framing or I/O error during a query
// leaves the wire state unrecoverable, so every subsequent call must fail
// with ConnectionFailed until the caller reconnects with a fresh Session.
func (s *Session) ioFailure(op string, err error) error {
	s.state = stateProtocolFailed
	s.alive.Store(false)
	return &IoError{Op: op, Err: err}
}

// Query runs sql as an ad-hoc SqlBatch and decodes its response.
func (s *Session) Query(sql string) (*QueryResult, error) {
	if s.state != stateReady {
		return nil, &ConnectionFailedError{Message: "not connected"}
	}

	start := time.Now()
	payload := BuildSqlBatch(sql, s.transactionDescriptor)
	if err := s.sendMessage(PacketSQLBatch, payload); err != nil {
		metrics.QueriesTotal.WithLabelValues(s.database, "io_error").Inc()
		return nil, err
	}

	result, err := s.readQueryResponse()
	dur := time.Since(start).Seconds()
	metrics.QueryDuration.WithLabelValues(s.database).Observe(dur)
	if err != nil {
		if _, ok := err.(*ServerError); ok {
			metrics.QueriesTotal.WithLabelValues(s.database, "server_error").Inc()
			metrics.ServerErrorsTotal.WithLabelValues(s.database).Inc()
		} else {
			metrics.QueriesTotal.WithLabelValues(s.database, "error").Inc()
		}
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(s.database, "ok").Inc()
	return result, nil
}

// Execute runs sql via sp_executesql with the given parameters bound as
// @p0, @p1, ... in declaration order.
func (s *Session) Execute(sql string, params []Parameter) (*QueryResult, error) {
	if s.state != stateReady {
		return nil, &ConnectionFailedError{Message: "not connected"}
	}

	named := make([]Parameter, len(params))
	defs := make([]string, len(params))
	for i, p := range params {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("p%d", i)
		}
		named[i] = Parameter{Name: name, Value: p.Value}
		defs[i] = fmt.Sprintf("@%s %s", name, p.SQLTypeName())
	}
	paramDefs := strings.Join(defs, ",")

	payload, err := BuildExecuteSQL(sql, paramDefs, named, s.transactionDescriptor)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.sendMessage(PacketRPCRequest, payload); err != nil {
		metrics.QueriesTotal.WithLabelValues(s.database, "io_error").Inc()
		return nil, err
	}

	result, err := s.readQueryResponse()
	metrics.QueryDuration.WithLabelValues(s.database).Observe(time.Since(start).Seconds())
	if err != nil {
		if _, ok := err.(*ServerError); ok {
			metrics.QueriesTotal.WithLabelValues(s.database, "server_error").Inc()
			metrics.ServerErrorsTotal.WithLabelValues(s.database).Inc()
		} else {
			metrics.QueriesTotal.WithLabelValues(s.database, "error").Inc()
		}
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(s.database, "ok").Inc()
	return result, nil
}

func (s *Session) readQueryResponse() (*QueryResult, error) {
	pktType, payload, err := ReadMessage(s.conn)
	if err != nil {
		return nil, s.ioFailure("reading query response", err)
	}
	metrics.BytesReceived.WithLabelValues(s.database).Add(float64(len(payload) + HeaderSize))
	if pktType != PacketReply {
		s.state = stateProtocolFailed
		s.alive.Store(false)
		return nil, &ProtocolError{Message: "unexpected packet type for query response", Got: pktType, Want: PacketReply}
	}

	result := &QueryResult{}
	var serverErr *ErrorToken
	var countSeen bool

	parser := NewTokenParser(payload)
	for {
		tok, err := parser.Next()
		if err != nil {
			s.state = stateProtocolFailed
			s.alive.Store(false)
			return nil, err
		}
		if tok == nil {
			break
		}

		switch tok.Type {
		case TokenColMetaData:
			result.Columns = tok.ColMetaData.Columns
			result.Rows = nil
		case TokenRow, TokenNbcRow:
			result.Rows = append(result.Rows, tok.Row.Values)
		case TokenError:
			serverErr = tok.Error
		case TokenInfo:
			log.Printf("tds: info: %s", tok.Info.Message)
		case TokenEnvChange:
			s.applyEnvChange(tok.EnvChange)
		case TokenDone, TokenDoneProc, TokenDoneInProc:
			// A Done error bit is logged and the response is read on;
			// only an Error token fails the query.
			if tok.Done.HasError() {
				log.Printf("tds: done token status 0x%04x reports an error", tok.Done.Status)
			}
			// The first count-valid Done wins; later Done tokens in a
			// multi-statement batch report their own statements' counts.
			if tok.Done.HasCount() && !countSeen {
				result.RowsAffected = tok.Done.RowCount
				countSeen = true
			}
		}
	}

	if serverErr != nil {
		return nil, &ServerError{
			Code:     serverErr.Number,
			Message:  serverErr.Message,
			Line:     serverErr.LineNo,
			State:    serverErr.State,
			Severity: serverErr.Class,
		}
	}

	return result, nil
}

// Begin, Commit, and Rollback are thin Query wrappers: this driver keeps
// no client-side transaction state of its own beyond the descriptor
// EnvChange hands back, so a transaction's lifecycle is entirely server
// driven, the same as any other batch. Commit and Rollback check that
// descriptor before sending anything: with no active transaction, there
// is nothing for the server to act on, so the call fails locally rather
// than round-tripping a COMMIT/ROLLBACK the server would just reject.
func (s *Session) Begin() error {
	_, err := s.Query("BEGIN TRANSACTION")
	return err
}

func (s *Session) Commit() error {
	if s.transactionDescriptor == 0 {
		return &QueryFailedError{Message: "no active transaction to commit"}
	}
	_, err := s.Query("COMMIT TRANSACTION")
	return err
}

func (s *Session) Rollback() error {
	if s.transactionDescriptor == 0 {
		return &QueryFailedError{Message: "no active transaction to roll back"}
	}
	_, err := s.Query("ROLLBACK TRANSACTION")
	return err
}

// IsAlive reports whether the session believes its socket is usable. It
// is the one field safe to read from a goroutine other than the one
// driving Query/Execute calls.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// Close releases the socket. I/O errors during close are ignored: by the
// time a caller closes a Session there is nothing useful to do with a
// failure other than report one the caller almost never checks.
func (s *Session) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.alive.Store(false)
	runtime.SetFinalizer(s, nil)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	metrics.SessionsActive.Dec()
	return nil
}

// finalize warns if a Session reaches the garbage collector while still
// believing itself alive: the caller forgot to Close it. The socket gets
// closed by the runtime either way, but silently relying on that would
// hide a programming error behind GC timing, which an explicit log line
// at least makes discoverable.
func (s *Session) finalize() {
	if s.alive.Load() {
		log.Printf("tds: session for %s garbage-collected while still connected; Close was never called", s.cfg.Address())
		_ = s.conn.Close()
	}
}
