package port

import (
	"context"

	"github.com/portrelay/portrelay/internal/domain/model"
)

// Client is an interface for talking to a running portrelay control plane
type Client interface {
	// Connect establishes a connection to the control server
	Connect(ctx context.Context) error

	// Close closes the connection to the server
	Close()

	// IsConnected returns the connection status
	IsConnected() bool

	// Request sends a request and decodes the response data into out (may be nil)
	Request(ctx context.Context, msgType model.MessageType, payload interface{}, out interface{}) error

	// RegisterHandler registers a handler for pushed messages of msgType
	RegisterHandler(msgType model.MessageType, handler func(*model.Message) error)
}
