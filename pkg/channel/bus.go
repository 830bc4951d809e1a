package channel

import (
	"github.com/openfroyo/lom/pkg/protocol"
)

// Bus pairs the two directions of the engine/plugin exchange.
type Bus struct {
	ClientToServer *Channel
	ServerToClient *Channel
}

// NewBus creates both directions with the same options.
func NewBus(opts ...Option) *Bus {
	return &Bus{
		ClientToServer: New(protocol.ClientToServer.String(), opts...),
		ServerToClient: New(protocol.ServerToClient.String(), opts...),
	}
}

// For returns the channel that carries messages of the given type.
func (b *Bus) For(msgType protocol.MessageType) *Channel {
	if msgType.Direction() == protocol.ServerToClient {
		return b.ServerToClient
	}
	return b.ClientToServer
}

// Close closes both directions.
func (b *Bus) Close() {
	b.ClientToServer.Close()
	b.ServerToClient.Close()
}
