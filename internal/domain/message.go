package domain

import "time"

// InboundMessage is one inbound unit received from the channel. The core
// does not interpret content; it only forwards to the business layer.
type InboundMessage struct {
	Sender     string
	Content    string
	ReceivedAt time.Time
}

// Ack is the channel driver's acknowledgement of a successful send.
type Ack struct {
	MessageID string
	Timestamp time.Time
}
