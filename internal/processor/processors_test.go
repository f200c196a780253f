package processor

import (
	"reflect"
	"testing"

	"topologyd/internal/event"
	"topologyd/internal/topology"

	"github.com/stretchr/testify/require"
)

func ref(s, c, m string) event.MemberRef {
	return event.MemberRef{ServiceName: s, ClusterID: c, MemberID: m}
}

func bootstrap(t *testing.T, chain *Chain) *topology.Topology {
	t.Helper()
	topo := topology.New()
	steps := []event.Event{
		&event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}, ServiceType: "php"},
		&event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}, Hostnames: []string{"c1.local"}},
		&event.MemberSpawned{MemberRef: ref("S1", "C1", "M1"), PartitionID: "P1", InitTime: 1000},
	}
	for _, ev := range steps {
		require.NoError(t, chain.Process(ev, topo))
	}
	return topo
}

func TestMemberStartedRequiresExistingMember(t *testing.T) {
	chain := Default(nil)
	topo := topology.New()
	require.NoError(t, chain.Process(&event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}}, topo))
	require.NoError(t, chain.Process(&event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}}, topo))
	before := topo.Clone()

	err := chain.Process(&event.MemberStarted{MemberRef: ref("S1", "C1", "M1")}, topo)
	require.ErrorIs(t, err, topology.ErrInvariantViolation)
	require.EqualError(t, err, "member M1 does not exist")
	require.True(t, reflect.DeepEqual(before, topo))
}

func TestMemberStartedRejectsMissingCluster(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	before := topo.Clone()

	err := chain.Process(&event.MemberStarted{MemberRef: ref("S1", "C2", "M1")}, topo)
	v, ok := topology.AsInvariantViolation(err)
	require.True(t, ok)
	require.Equal(t, "C2", v.Cluster)
	require.EqualError(t, err, "cluster C2 does not exist")
	require.True(t, reflect.DeepEqual(before, topo))
}

func TestDuplicateMemberStartedIsRejected(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	started := &event.MemberStarted{MemberRef: ref("S1", "C1", "M1")}

	require.NoError(t, chain.Process(started, topo))
	after := topo.Clone()

	err := chain.Process(started, topo)
	require.ErrorIs(t, err, topology.ErrInvariantViolation)
	require.Contains(t, err.Error(), "is already Starting")
	require.True(t, reflect.DeepEqual(after, topo))
}

func TestMemberActivatedMakesClusterActive(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	require.NoError(t, chain.Process(&event.MemberStarted{MemberRef: ref("S1", "C1", "M1")}, topo))

	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, topology.ClusterCreated, c.Status())

	require.NoError(t, chain.Process(&event.MemberActivated{MemberRef: ref("S1", "C1", "M1"), MemberIP: "10.0.0.5", MemberPublicIP: "1.2.3.4"}, topo))
	m, _ := topo.Member("S1", "C1", "M1")
	require.Equal(t, topology.MemberActive, m.Status())
	require.Equal(t, "10.0.0.5", m.MemberIP)
	require.Equal(t, topology.ClusterActive, c.Status())
}

func TestActivationRequiresStarting(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)

	err := chain.Process(&event.MemberActivated{MemberRef: ref("S1", "C1", "M1")}, topo)
	v, ok := topology.AsInvariantViolation(err)
	require.True(t, ok)
	require.Equal(t, "Created", v.From)
	require.Equal(t, "Active", v.To)
}

func TestStartedAfterActiveIsIllegal(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	require.NoError(t, chain.Process(&event.MemberStarted{MemberRef: ref("S1", "C1", "M1")}, topo))
	require.NoError(t, chain.Process(&event.MemberActivated{MemberRef: ref("S1", "C1", "M1")}, topo))

	err := chain.Process(&event.MemberStarted{MemberRef: ref("S1", "C1", "M1")}, topo)
	require.ErrorIs(t, err, topology.ErrInvariantViolation)
	require.Contains(t, err.Error(), "illegal status transition Active→Starting")
}

func TestSuspendResumeCycle(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	m1 := ref("S1", "C1", "M1")

	require.ErrorIs(t, chain.Process(&event.MemberSuspended{MemberRef: m1}, topo), topology.ErrInvariantViolation)
	require.NoError(t, chain.Process(&event.MemberStarted{MemberRef: m1}, topo))
	require.NoError(t, chain.Process(&event.MemberActivated{MemberRef: m1}, topo))
	require.NoError(t, chain.Process(&event.MemberSuspended{MemberRef: m1}, topo))

	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, topology.ClusterInactive, c.Status())
	require.ErrorIs(t, chain.Process(&event.MemberSuspended{MemberRef: m1}, topo), topology.ErrInvariantViolation)

	require.NoError(t, chain.Process(&event.MemberResumed{MemberRef: m1}, topo))
	require.Equal(t, topology.ClusterActive, c.Status())
}

func TestMemberTerminatedDetaches(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	m1 := ref("S1", "C1", "M1")

	require.NoError(t, chain.Process(&event.MemberTerminated{MemberRef: m1}, topo))
	_, ok := topo.Member("S1", "C1", "M1")
	require.False(t, ok)
	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, 0, c.PartitionMemberCount("P1"))

	require.ErrorIs(t, chain.Process(&event.MemberTerminated{MemberRef: m1}, topo), topology.ErrInvariantViolation)
}

func TestRemovalRequiresEmptyParent(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	clusterRemoved := &event.ClusterRemoved{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}}
	serviceRemoved := &event.ServiceRemoved{ServiceRef: event.ServiceRef{ServiceName: "S1"}}

	require.ErrorIs(t, chain.Process(clusterRemoved, topo), topology.ErrInvariantViolation)
	require.ErrorIs(t, chain.Process(serviceRemoved, topo), topology.ErrInvariantViolation)

	require.NoError(t, chain.Process(&event.MemberTerminated{MemberRef: ref("S1", "C1", "M1")}, topo))
	require.NoError(t, chain.Process(clusterRemoved, topo))
	require.NoError(t, chain.Process(serviceRemoved, topo))
	require.Equal(t, 0, topo.Len())
}

func TestCreatedEventsRejectDuplicatesAndOrphans(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)

	require.ErrorIs(t, chain.Process(&event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}}, topo), topology.ErrInvariantViolation)
	require.ErrorIs(t, chain.Process(&event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}}, topo), topology.ErrInvariantViolation)
	require.ErrorIs(t, chain.Process(&event.ClusterCreated{ClusterRef: event.ClusterRef{ServiceName: "S9", ClusterID: "C1"}}, topo), topology.ErrInvariantViolation)
	require.ErrorIs(t, chain.Process(&event.MemberSpawned{MemberRef: ref("S1", "C1", "M1")}, topo), topology.ErrInvariantViolation)
}

func TestClusterMaintenance(t *testing.T) {
	chain := Default(nil)
	topo := bootstrap(t, chain)
	ev := &event.ClusterMaintenanceMode{ClusterRef: event.ClusterRef{ServiceName: "S1", ClusterID: "C1"}}

	require.NoError(t, chain.Process(ev, topo))
	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, topology.ClusterInMaintenance, c.Status())
	require.ErrorIs(t, chain.Process(ev, topo), topology.ErrInvariantViolation)
}

func TestProcessorRejectsForeignPayloadType(t *testing.T) {
	p := &MemberStarted{}
	err := p.Apply(&event.ServiceCreated{ServiceRef: event.ServiceRef{ServiceName: "S1"}}, topology.New())
	require.Error(t, err)
}
