package processor

import (
	"topologyd/internal/event"
	"topologyd/internal/topology"

	"go.uber.org/zap"
)

type ServiceCreated struct{ log *zap.Logger }

func (*ServiceCreated) Matches(kind event.Kind) bool { return kind == event.KindServiceCreated }

func (p *ServiceCreated) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.ServiceCreated)
	if !ok {
		return unexpected(event.KindServiceCreated, ev)
	}
	if err := t.AddService(e.ServiceName, e.ServiceType); err != nil {
		return err
	}
	p.log.Info("service created", zap.String("service", e.ServiceName), zap.String("type", e.ServiceType))
	return nil
}

type ServiceRemoved struct{ log *zap.Logger }

func (*ServiceRemoved) Matches(kind event.Kind) bool { return kind == event.KindServiceRemoved }

func (p *ServiceRemoved) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.ServiceRemoved)
	if !ok {
		return unexpected(event.KindServiceRemoved, ev)
	}
	if err := t.RemoveService(e.ServiceName); err != nil {
		return err
	}
	p.log.Info("service removed", zap.String("service", e.ServiceName))
	return nil
}
