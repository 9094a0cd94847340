package tds

import (
	"fmt"
	"time"
)

// Config holds everything needed to establish one Session. It carries no
// connection-string or environment-variable parsing: callers build it as a
// plain struct literal; parsing a DSN or reading the environment is the
// surrounding application's job, not this package's.
type Config struct {
	Host     string
	Port     uint16
	Username string
	Password string
	Database string

	// Encrypt requests TLS during Pre-Login negotiation. This driver does
	// not implement a TLS handshake, so Encrypt=true against a server that
	// honors the request produces a TlsError rather than a connection.
	Encrypt                bool
	TrustServerCertificate bool

	ConnectTimeout  time.Duration
	ApplicationName string
}

// DefaultConfig returns a Config with reasonable defaults: encryption
// requested, the "master" database, and a 30 second connect timeout.
func DefaultConfig() *Config {
	return &Config{
		Port:            1433,
		Database:        "master",
		Encrypt:         true,
		ConnectTimeout:  30 * time.Second,
		ApplicationName: "go-tds",
	}
}

// Validate checks the fields required to attempt a connection. It does not
// check reachability; that is Connect's job.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &InvalidConfigError{Message: "host must not be empty"}
	}
	if c.Username == "" {
		return &InvalidConfigError{Message: "username must not be empty"}
	}
	if c.Port == 0 {
		return &InvalidConfigError{Message: "port must not be zero"}
	}
	if c.ConnectTimeout < 0 {
		return &InvalidConfigError{Message: fmt.Sprintf("connect timeout must not be negative: %s", c.ConnectTimeout)}
	}
	return nil
}

// Address returns the host:port pair Connect dials.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) encryptionRequest() byte {
	if c.Encrypt {
		return EncryptReq
	}
	return EncryptOff
}
