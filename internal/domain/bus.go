package domain

// MessageBus carries bot turns from rooms to the responder and routes
// bot replies back to the originating channel.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	// OnOutbound registers a handler for one channel, or for every channel with "*".
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
