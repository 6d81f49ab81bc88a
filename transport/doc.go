// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport provides the corkable asynchronous socket, listen
// sockets with an options bitmask, TLS context construction and the SNI
// hostname tree used by the application layer.
//
// A Socket is owned by one loop. Its state is mutated on the loop
// goroutine only. A dedicated writer goroutine drains the send queue with
// one conn.Write per flush and reports completion back through
// loop.Defer.
package transport
