// Package tds implements a client driver for Microsoft SQL Server's Tabular
// Data Stream (TDS) wire protocol (MS-TDS 7.4).
//
// It establishes a TCP session, negotiates protocol version and encryption,
// authenticates a user, ships ad-hoc SQL batches, and decodes the server's
// token-interleaved response into typed row values. It does not implement
// MARS, bulk load, federated authentication, distributed transaction
// enlistment, or TLS channel binding.
//
// Reference: https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-tds/
package tds
