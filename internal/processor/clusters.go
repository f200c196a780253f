package processor

import (
	"topologyd/internal/event"
	"topologyd/internal/topology"

	"go.uber.org/zap"
)

type ClusterCreated struct{ log *zap.Logger }

func (*ClusterCreated) Matches(kind event.Kind) bool { return kind == event.KindClusterCreated }

func (p *ClusterCreated) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.ClusterCreated)
	if !ok {
		return unexpected(event.KindClusterCreated, ev)
	}
	if err := t.AddCluster(e.ServiceName, e.ClusterID, e.Hostnames); err != nil {
		return err
	}
	p.log.Info("cluster created", zap.String("service", e.ServiceName), zap.String("cluster", e.ClusterID))
	return nil
}

type ClusterRemoved struct{ log *zap.Logger }

func (*ClusterRemoved) Matches(kind event.Kind) bool { return kind == event.KindClusterRemoved }

func (p *ClusterRemoved) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.ClusterRemoved)
	if !ok {
		return unexpected(event.KindClusterRemoved, ev)
	}
	if err := t.RemoveCluster(e.ServiceName, e.ClusterID); err != nil {
		return err
	}
	p.log.Info("cluster removed", zap.String("service", e.ServiceName), zap.String("cluster", e.ClusterID))
	return nil
}

type ClusterMaintenance struct{ log *zap.Logger }

func (*ClusterMaintenance) Matches(kind event.Kind) bool {
	return kind == event.KindClusterMaintenanceMode
}

func (p *ClusterMaintenance) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.ClusterMaintenanceMode)
	if !ok {
		return unexpected(event.KindClusterMaintenanceMode, ev)
	}
	if err := t.SetClusterStatus(e.ServiceName, e.ClusterID, topology.ClusterInMaintenance); err != nil {
		return err
	}
	p.log.Info("cluster in maintenance", zap.String("service", e.ServiceName), zap.String("cluster", e.ClusterID))
	return nil
}
