package transport

// Capabilities describes what a transport backend supports.
type Capabilities struct {
	Name string

	// SupportsAck is true when consumed messages are only removed from the
	// broker once acknowledged.
	SupportsAck bool
	// SupportsNack is true when a negative acknowledgement triggers redelivery.
	SupportsNack bool
	// SupportsOrdering is true when messages of a topic arrive in publish order.
	SupportsOrdering bool
	// SupportsNativeDLQ is true when the broker can dead-letter on its own.
	SupportsNativeDLQ bool
	// ReportsConnectionErrors is true when the transport feeds Transport.Errors.
	ReportsConnectionErrors bool

	// MaxMessageSize in bytes, zero when unlimited or unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether failed messages must be routed to a
// dead-letter chain by the adapter.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int64) bool {
	return c.MaxMessageSize == 0 || size <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAck:      true,
		SupportsOrdering: true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
	}

	NATSCapabilities = Capabilities{
		Name:                    "nats",
		ReportsConnectionErrors: true,
		MaxMessageSize:          1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                    "nats-jetstream",
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsOrdering:        true,
		SupportsNativeDLQ:       true,
		ReportsConnectionErrors: true,
		MaxMessageSize:          1 << 20,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		MaxMessageSize:    256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:                    "http",
		ReportsConnectionErrors: true,
	}
)
