package domain

import (
	"context"
	"time"
)

// ConnectionState tracks a client link through its lifecycle.
// Pending connections have negotiated but not completed the transport handshake
// and therefore have no registry entry.
type ConnectionState int

const (
	StatePending ConnectionState = iota
	StateActive
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle is the transport-side endpoint of one live connection.
// Send must not block on network I/O; implementations queue the frame.
type Handle interface {
	Send(ctx context.Context, frame []byte) error
	Close(reason string)
}

// Member is one entry of a channel snapshot.
type Member struct {
	ID     string
	Handle Handle
}

// Connection is a read-only view of a registry entry.
type Connection struct {
	ID          string
	Channels    []string
	State       ConnectionState
	ConnectedAt time.Time
}

type RegistryStats struct {
	Connections int
	Channels    int
}

// Registry is the subset of the subscriber registry that transports drive
// from their connection lifecycle callbacks.
type Registry interface {
	Connect(id string, handle Handle) error
	Register(id, channel string) error
	Leave(id, channel string) error
	Unregister(id string)
	Members(channel string) []Member
}
