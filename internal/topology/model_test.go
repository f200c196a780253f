package topology

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *Topology {
	t.Helper()
	topo := New()
	require.NoError(t, topo.AddService("S1", "php"))
	require.NoError(t, topo.AddCluster("S1", "C1", []string{"c1.example.org"}))
	require.NoError(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C1", ID: "M1", PartitionID: "P1", InitTime: time.Unix(100, 0).UTC()}))
	return topo
}

func TestLookupsReturnAbsentForMissingIDs(t *testing.T) {
	topo := seeded(t)

	_, ok := topo.Service("nope")
	require.False(t, ok)
	_, ok = topo.Cluster("S1", "nope")
	require.False(t, ok)
	_, ok = topo.Cluster("nope", "C1")
	require.False(t, ok)
	_, ok = topo.Member("S1", "C1", "nope")
	require.False(t, ok)

	m, ok := topo.Member("S1", "C1", "M1")
	require.True(t, ok)
	require.Equal(t, MemberCreated, m.Status())
}

func TestRequireMemberNamesMissingAncestor(t *testing.T) {
	topo := seeded(t)

	_, err := topo.RequireMember("S1", "C9", "M1")
	require.ErrorIs(t, err, ErrInvariantViolation)
	v, ok := AsInvariantViolation(err)
	require.True(t, ok)
	require.Equal(t, "C9", v.Cluster)
	require.EqualError(t, err, "cluster C9 does not exist")

	_, err = topo.RequireMember("S1", "C1", "M9")
	require.EqualError(t, err, "member M9 does not exist")
}

func TestMemberLifecycleEdges(t *testing.T) {
	cases := []struct {
		from MemberStatus
		to   MemberStatus
		ok   bool
	}{
		{MemberCreated, MemberStarting, true},
		{MemberCreated, MemberActive, false},
		{MemberStarting, MemberActive, true},
		{MemberStarting, MemberStarting, false},
		{MemberActive, MemberSuspended, true},
		{MemberActive, MemberStarting, false},
		{MemberSuspended, MemberActive, true},
		{MemberSuspended, MemberStarting, false},
		{MemberActive, MemberTerminated, true},
		{MemberTerminated, MemberActive, false},
		{MemberTerminated, MemberTerminated, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Fatalf("%s->%s = %t, want %t", c.from, c.to, got, c.ok)
		}
	}
}

func TestSetMemberStatusRejectsIllegalTransitionWithoutWriting(t *testing.T) {
	topo := seeded(t)
	before := topo.Clone()

	err := topo.SetMemberStatus("S1", "C1", "M1", MemberActive)
	require.ErrorIs(t, err, ErrInvariantViolation)
	v, _ := AsInvariantViolation(err)
	require.Equal(t, "Created", v.From)
	require.Equal(t, "Active", v.To)
	require.Contains(t, err.Error(), "illegal status transition Created→Active")
	require.True(t, reflect.DeepEqual(before, topo))
}

func TestClusterStatusIsDerivedFromMembers(t *testing.T) {
	topo := seeded(t)
	require.NoError(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C1", ID: "M2", PartitionID: "P2"}))

	c, _ := topo.Cluster("S1", "C1")
	s, _ := topo.Service("S1")
	require.Equal(t, ClusterCreated, c.Status())

	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberStarting))
	require.Equal(t, ClusterCreated, c.Status())
	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberActive))
	require.Equal(t, ClusterActive, c.Status())
	require.Equal(t, ServiceActive, s.Status())

	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberSuspended))
	require.Equal(t, ClusterInactive, c.Status())
	require.Equal(t, ServiceInactive, s.Status())

	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberActive))
	require.Equal(t, ClusterActive, c.Status())

	_, err := topo.RemoveMember("S1", "C1", "M1")
	require.NoError(t, err)
	require.Equal(t, ClusterInactive, c.Status())
}

func TestPartitionCountsFollowMembership(t *testing.T) {
	topo := seeded(t)
	require.NoError(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C1", ID: "M2", PartitionID: "P1"}))
	require.NoError(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C1", ID: "M3", PartitionID: "P2"}))

	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, 2, c.PartitionMemberCount("P1"))
	require.Equal(t, 1, c.PartitionMemberCount("P2"))

	removed, err := topo.RemoveMember("S1", "C1", "M3")
	require.NoError(t, err)
	require.Equal(t, MemberTerminated, removed.Status())
	require.Equal(t, map[string]int{"P1": 2}, c.PartitionCounts())
}

func TestAddRejectsDuplicatesAndMissingParents(t *testing.T) {
	topo := seeded(t)

	require.ErrorIs(t, topo.AddService("S1", ""), ErrInvariantViolation)
	require.ErrorIs(t, topo.AddCluster("S1", "C1", nil), ErrInvariantViolation)
	require.ErrorIs(t, topo.AddCluster("S2", "C1", nil), ErrInvariantViolation)
	require.ErrorIs(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C1", ID: "M1"}), ErrInvariantViolation)
	require.ErrorIs(t, topo.AddMember(Member{ServiceName: "S1", ClusterID: "C2", ID: "M5"}), ErrInvariantViolation)

	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, 1, c.PartitionMemberCount("P1"))
}

func TestRemoveRequiresNoChildren(t *testing.T) {
	topo := seeded(t)

	require.ErrorIs(t, topo.RemoveCluster("S1", "C1"), ErrInvariantViolation)
	require.ErrorIs(t, topo.RemoveService("S1"), ErrInvariantViolation)

	_, err := topo.RemoveMember("S1", "C1", "M1")
	require.NoError(t, err)
	require.NoError(t, topo.RemoveCluster("S1", "C1"))
	require.NoError(t, topo.RemoveService("S1"))
	require.Equal(t, 0, topo.Len())

	err = topo.RemoveService("S1")
	require.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestMaintenanceModeOnlyFromLiveCluster(t *testing.T) {
	topo := seeded(t)

	require.NoError(t, topo.SetClusterStatus("S1", "C1", ClusterInMaintenance))
	s, _ := topo.Service("S1")
	require.Equal(t, ServiceInMaintenance, s.Status())

	require.ErrorIs(t, topo.SetClusterStatus("S1", "C1", ClusterInMaintenance), ErrInvariantViolation)
	require.ErrorIs(t, topo.SetClusterStatus("S1", "C1", ClusterActive), ErrInvariantViolation)

	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberStarting))
	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberActive))
	c, _ := topo.Cluster("S1", "C1")
	require.Equal(t, ClusterActive, c.Status())
}

func TestCloneIsDeep(t *testing.T) {
	topo := seeded(t)
	cp := topo.Clone()
	require.True(t, reflect.DeepEqual(topo, cp))

	require.NoError(t, topo.SetMemberStatus("S1", "C1", "M1", MemberStarting))
	m, _ := cp.Member("S1", "C1", "M1")
	require.Equal(t, MemberCreated, m.Status())
	require.False(t, reflect.DeepEqual(topo, cp))
}

func TestViewIsOrderedAndComplete(t *testing.T) {
	topo := seeded(t)
	require.NoError(t, topo.AddService("A0", ""))

	v := topo.View(7)
	require.Equal(t, uint64(7), v.Version)
	require.Len(t, v.Services, 2)
	require.Equal(t, "A0", v.Services[0].Name)
	require.Equal(t, "M1", v.Services[1].Clusters[0].Members[0].ID)
	require.Equal(t, "Created", v.Services[1].Clusters[0].Members[0].Status)
}
