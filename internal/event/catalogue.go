// Package event is the closed catalogue of topology lifecycle events and
// their JSON payload schemas.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

type Kind string

const (
	KindServiceCreated         Kind = "topology.ServiceCreatedEvent"
	KindServiceRemoved         Kind = "topology.ServiceRemovedEvent"
	KindClusterCreated         Kind = "topology.ClusterCreatedEvent"
	KindClusterRemoved         Kind = "topology.ClusterRemovedEvent"
	KindClusterMaintenanceMode Kind = "topology.ClusterMaintenanceModeEvent"
	KindMemberSpawned          Kind = "topology.MemberSpawnedEvent"
	KindMemberStarted          Kind = "topology.MemberStartedEvent"
	KindMemberActivated        Kind = "topology.MemberActivatedEvent"
	KindMemberSuspended        Kind = "topology.MemberSuspendedEvent"
	KindMemberResumed          Kind = "topology.MemberResumedEvent"
	KindMemberTerminated       Kind = "topology.MemberTerminatedEvent"
)

// Event is a decoded catalogue entry.
type Event interface {
	Kind() Kind
	// Service names the service subtree the event touches.
	Service() string
	validate() error
}

var catalogue = map[Kind]func() Event{
	KindServiceCreated:         func() Event { return &ServiceCreated{} },
	KindServiceRemoved:         func() Event { return &ServiceRemoved{} },
	KindClusterCreated:         func() Event { return &ClusterCreated{} },
	KindClusterRemoved:         func() Event { return &ClusterRemoved{} },
	KindClusterMaintenanceMode: func() Event { return &ClusterMaintenanceMode{} },
	KindMemberSpawned:          func() Event { return &MemberSpawned{} },
	KindMemberStarted:          func() Event { return &MemberStarted{} },
	KindMemberActivated:        func() Event { return &MemberActivated{} },
	KindMemberSuspended:        func() Event { return &MemberSuspended{} },
	KindMemberResumed:          func() Event { return &MemberResumed{} },
	KindMemberTerminated:       func() Event { return &MemberTerminated{} },
}

// Lookup resolves a transport discriminator to a catalogue kind.
func Lookup(name string) (Kind, bool) {
	k := Kind(strings.TrimSpace(name))
	_, ok := catalogue[k]
	return k, ok
}

// Kinds lists the whole catalogue in lexical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(catalogue))
	for k := range catalogue {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode parses payload as the schema of kind.
func Decode(kind Kind, payload []byte) (Event, error) {
	newEvent, ok := catalogue[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, kind)
	}
	ev := newEvent()
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	return ev, nil
}

// RoutingKey extracts the service name from a raw payload so transports can
// keep one service's events on one ordered lane. It returns "" when the
// payload has none.
func RoutingKey(payload []byte) string {
	var ref struct {
		ServiceName string `json:"service_name"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ""
	}
	return ref.ServiceName
}

// Encode is the inverse of Decode, used by publishers and tests.
func Encode(ev Event) (Kind, []byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", nil, err
	}
	return ev.Kind(), b, nil
}
