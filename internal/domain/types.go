package domain

import "time"

// EventEnvelope is one delivered message as seen by every ingest adapter:
// a catalogue discriminator plus its raw payload.
type EventEnvelope struct {
	EventID        string
	EventType      string
	EventTimeUTCNs int64
	Payload        []byte
	PartitionKey   string
	Source         string
	SourceRef      string
	ReceivedAtUTC  time.Time
	Metadata       map[string]string
}

// Outcome is the tri-state answer the core gives a transport.
type Outcome int

const (
	OutcomeHandled Outcome = iota + 1
	OutcomeUnknownType
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnknownType:
		return "unknown_type"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unset"
	}
}
