package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix
// ("thread.", "conn.", "outbox.").
const (
	KindThreadChanged = "thread.changed"
	KindConnState     = "conn.state_changed"
	KindSendAck       = "outbox.send_ack"
	KindSendFailed    = "outbox.send_failed"
	KindDrained       = "outbox.drained"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
