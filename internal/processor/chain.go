// Package processor routes decoded events to the one handler that owns their
// kind and applies them to the topology.
package processor

import (
	"errors"
	"fmt"

	"topologyd/internal/event"
	"topologyd/internal/topology"

	"go.uber.org/zap"
)

// ErrNoProcessor means no link in the chain claims the kind. It is a routing
// failure, never a validation failure.
var ErrNoProcessor = errors.New("no processor for event kind")

type Processor interface {
	Matches(kind event.Kind) bool
	Apply(ev event.Event, t *topology.Topology) error
}

// Chain is an ordered, immutable list of processors. The first processor
// whose Matches returns true owns the event; its error is final.
type Chain struct {
	processors []Processor
}

func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: append([]Processor(nil), processors...)}
}

// Default builds the chain covering the full catalogue.
func Default(logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewChain(
		&ServiceCreated{log: logger},
		&ServiceRemoved{log: logger},
		&ClusterCreated{log: logger},
		&ClusterRemoved{log: logger},
		&ClusterMaintenance{log: logger},
		&MemberSpawned{log: logger},
		&MemberStarted{log: logger},
		&MemberActivated{log: logger},
		&MemberSuspended{log: logger},
		&MemberResumed{log: logger},
		&MemberTerminated{log: logger},
	)
}

func (c *Chain) find(kind event.Kind) (Processor, bool) {
	for _, p := range c.processors {
		if p.Matches(kind) {
			return p, true
		}
	}
	return nil, false
}

// Claims reports whether any processor matches kind.
func (c *Chain) Claims(kind event.Kind) bool {
	_, ok := c.find(kind)
	return ok
}

// Claimants counts the processors matching kind.
func (c *Chain) Claimants(kind event.Kind) int {
	n := 0
	for _, p := range c.processors {
		if p.Matches(kind) {
			n++
		}
	}
	return n
}

// Process applies ev with the first matching processor.
func (c *Chain) Process(ev event.Event, t *topology.Topology) error {
	p, ok := c.find(ev.Kind())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProcessor, ev.Kind())
	}
	return p.Apply(ev, t)
}

// Structural reports whether kind adds or removes services and therefore
// needs the whole tree locked.
func Structural(kind event.Kind) bool {
	return kind == event.KindServiceCreated || kind == event.KindServiceRemoved
}

func unexpected(want event.Kind, ev event.Event) error {
	return fmt.Errorf("processor for %s received %T", want, ev)
}
