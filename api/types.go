// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// ConnState enumerates the lifecycle of a connection served by an App.
// A connection starts as plain HTTP and walks forward only.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateUpgrading
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendStatus is the outcome of queuing a WebSocket message.
type SendStatus int

const (
	// Backpressure means the message was queued but the outgoing buffer is
	// above the route's maxBackpressure.
	Backpressure SendStatus = iota
	// Success means the message was queued within limits.
	Success
	// Dropped means the message was not queued.
	Dropped
)

func (s SendStatus) String() string {
	switch s {
	case Backpressure:
		return "backpressure"
	case Success:
		return "success"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}
