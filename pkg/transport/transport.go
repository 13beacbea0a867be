package transport

import (
	"context"

	"github.com/flotilla-run/flotilla/pkg/protocol"
)

// A message-oriented duplex session with the control plane.
type Conn interface {
	// Send a message to the control plane.
	Send(*protocol.WorkerMessage) error

	// Receive the next message from the control plane.
	// Blocks until a message arrives or the session fails.
	Recv() (*protocol.ServerMessage, error)

	// Tear down the session.
	Close() error
}

// Opens sessions with the control plane. The worker redials
// through the same dialer when a session drops.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
