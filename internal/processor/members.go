package processor

import (
	"fmt"

	"topologyd/internal/event"
	"topologyd/internal/topology"

	"go.uber.org/zap"
)

func memberFields(r event.MemberRef) []zap.Field {
	return []zap.Field{zap.String("service", r.ServiceName), zap.String("cluster", r.ClusterID), zap.String("member", r.MemberID)}
}

// requireStatus rejects the event unless m is currently in want.
func requireStatus(m *topology.Member, want, next topology.MemberStatus) error {
	if m.Status() == want {
		return nil
	}
	reason := fmt.Sprintf("member %s of cluster %s of service %s: illegal status transition %s→%s", m.ID, m.ClusterID, m.ServiceName, m.Status(), next)
	if m.Status() == next {
		reason = fmt.Sprintf("member %s of cluster %s of service %s is already %s", m.ID, m.ClusterID, m.ServiceName, next)
	}
	return &topology.InvariantViolation{
		Service: m.ServiceName,
		Cluster: m.ClusterID,
		Member:  m.ID,
		From:    m.Status().String(),
		To:      next.String(),
		Reason:  reason,
	}
}

type MemberSpawned struct{ log *zap.Logger }

func (*MemberSpawned) Matches(kind event.Kind) bool { return kind == event.KindMemberSpawned }

func (p *MemberSpawned) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberSpawned)
	if !ok {
		return unexpected(event.KindMemberSpawned, ev)
	}
	err := t.AddMember(topology.Member{
		ServiceName:        e.ServiceName,
		ClusterID:          e.ClusterID,
		ID:                 e.MemberID,
		PartitionID:        e.PartitionID,
		NetworkPartitionID: e.NetworkPartitionID,
		InitTime:           e.InitTimeUTC(),
	})
	if err != nil {
		return err
	}
	p.log.Info("member spawned", append(memberFields(e.MemberRef), zap.String("partition", e.PartitionID))...)
	return nil
}

type MemberStarted struct{ log *zap.Logger }

func (*MemberStarted) Matches(kind event.Kind) bool { return kind == event.KindMemberStarted }

func (p *MemberStarted) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberStarted)
	if !ok {
		return unexpected(event.KindMemberStarted, ev)
	}
	m, err := t.RequireMember(e.ServiceName, e.ClusterID, e.MemberID)
	if err != nil {
		return err
	}
	if err := requireStatus(m, topology.MemberCreated, topology.MemberStarting); err != nil {
		return err
	}
	if err := t.SetMemberStatus(e.ServiceName, e.ClusterID, e.MemberID, topology.MemberStarting); err != nil {
		return err
	}
	p.log.Info("member started", memberFields(e.MemberRef)...)
	return nil
}

type MemberActivated struct{ log *zap.Logger }

func (*MemberActivated) Matches(kind event.Kind) bool { return kind == event.KindMemberActivated }

func (p *MemberActivated) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberActivated)
	if !ok {
		return unexpected(event.KindMemberActivated, ev)
	}
	m, err := t.RequireMember(e.ServiceName, e.ClusterID, e.MemberID)
	if err != nil {
		return err
	}
	if err := requireStatus(m, topology.MemberStarting, topology.MemberActive); err != nil {
		return err
	}
	if err := t.SetMemberStatus(e.ServiceName, e.ClusterID, e.MemberID, topology.MemberActive); err != nil {
		return err
	}
	if err := t.SetMemberAddresses(e.ServiceName, e.ClusterID, e.MemberID, e.MemberIP, e.MemberPublicIP); err != nil {
		return err
	}
	p.log.Info("member activated", append(memberFields(e.MemberRef), zap.String("ip", e.MemberIP))...)
	return nil
}

type MemberSuspended struct{ log *zap.Logger }

func (*MemberSuspended) Matches(kind event.Kind) bool { return kind == event.KindMemberSuspended }

func (p *MemberSuspended) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberSuspended)
	if !ok {
		return unexpected(event.KindMemberSuspended, ev)
	}
	m, err := t.RequireMember(e.ServiceName, e.ClusterID, e.MemberID)
	if err != nil {
		return err
	}
	if err := requireStatus(m, topology.MemberActive, topology.MemberSuspended); err != nil {
		return err
	}
	if err := t.SetMemberStatus(e.ServiceName, e.ClusterID, e.MemberID, topology.MemberSuspended); err != nil {
		return err
	}
	p.log.Info("member suspended", memberFields(e.MemberRef)...)
	return nil
}

type MemberResumed struct{ log *zap.Logger }

func (*MemberResumed) Matches(kind event.Kind) bool { return kind == event.KindMemberResumed }

func (p *MemberResumed) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberResumed)
	if !ok {
		return unexpected(event.KindMemberResumed, ev)
	}
	m, err := t.RequireMember(e.ServiceName, e.ClusterID, e.MemberID)
	if err != nil {
		return err
	}
	if err := requireStatus(m, topology.MemberSuspended, topology.MemberActive); err != nil {
		return err
	}
	if err := t.SetMemberStatus(e.ServiceName, e.ClusterID, e.MemberID, topology.MemberActive); err != nil {
		return err
	}
	p.log.Info("member resumed", memberFields(e.MemberRef)...)
	return nil
}

type MemberTerminated struct{ log *zap.Logger }

func (*MemberTerminated) Matches(kind event.Kind) bool { return kind == event.KindMemberTerminated }

func (p *MemberTerminated) Apply(ev event.Event, t *topology.Topology) error {
	e, ok := ev.(*event.MemberTerminated)
	if !ok {
		return unexpected(event.KindMemberTerminated, ev)
	}
	removed, err := t.RemoveMember(e.ServiceName, e.ClusterID, e.MemberID)
	if err != nil {
		return err
	}
	p.log.Info("member terminated", append(memberFields(e.MemberRef), zap.String("partition", removed.PartitionID))...)
	return nil
}
