// Package topology holds the in-memory Service -> Cluster -> Member tree that
// lifecycle events are projected onto.
//
// Entities returned by lookups point into the live tree. They must only be
// changed through the Topology mutators, which check every invariant before
// writing anything.
package topology

import (
	"fmt"
	"sort"
	"time"
)

type Member struct {
	ServiceName        string
	ClusterID          string
	ID                 string
	PartitionID        string
	NetworkPartitionID string
	InitTime           time.Time
	MemberIP           string
	MemberPublicIP     string

	status MemberStatus
}

func (m *Member) Status() MemberStatus { return m.status }

type Cluster struct {
	ServiceName string
	ID          string
	Hostnames   []string

	status     ClusterStatus
	members    map[string]*Member
	partitions map[string]int
}

func (c *Cluster) Status() ClusterStatus { return c.status }

func (c *Cluster) Member(id string) (*Member, bool) {
	m, ok := c.members[id]
	return m, ok
}

// Members returns the cluster's members ordered by id.
func (c *Cluster) Members() []*Member {
	out := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PartitionMemberCount is the number of live members placed in partitionID.
func (c *Cluster) PartitionMemberCount(partitionID string) int {
	return c.partitions[partitionID]
}

func (c *Cluster) PartitionCounts() map[string]int {
	out := make(map[string]int, len(c.partitions))
	for k, v := range c.partitions {
		out[k] = v
	}
	return out
}

// recomputeStatus derives Active/Inactive from member statuses.
func (c *Cluster) recomputeStatus() {
	for _, m := range c.members {
		if m.status == MemberActive {
			c.status = ClusterActive
			return
		}
	}
	if c.status == ClusterActive {
		c.status = ClusterInactive
	}
}

type Service struct {
	Name string
	Type string

	status   ServiceStatus
	clusters map[string]*Cluster
}

func (s *Service) Status() ServiceStatus { return s.status }

func (s *Service) Cluster(id string) (*Cluster, bool) {
	c, ok := s.clusters[id]
	return c, ok
}

// Clusters returns the service's clusters ordered by id.
func (s *Service) Clusters() []*Cluster {
	out := make([]*Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) recomputeStatus() {
	maintenance := false
	for _, c := range s.clusters {
		switch c.status {
		case ClusterActive:
			s.status = ServiceActive
			return
		case ClusterInMaintenance:
			maintenance = true
		}
	}
	switch {
	case maintenance:
		s.status = ServiceInMaintenance
	case s.status == ServiceActive || s.status == ServiceInMaintenance:
		s.status = ServiceInactive
	}
}

type Topology struct {
	services map[string]*Service
}

func New() *Topology {
	return &Topology{services: make(map[string]*Service)}
}

func (t *Topology) Service(name string) (*Service, bool) {
	s, ok := t.services[name]
	return s, ok
}

func (t *Topology) Cluster(service, cluster string) (*Cluster, bool) {
	s, ok := t.services[service]
	if !ok {
		return nil, false
	}
	return s.Cluster(cluster)
}

func (t *Topology) Member(service, cluster, member string) (*Member, bool) {
	c, ok := t.Cluster(service, cluster)
	if !ok {
		return nil, false
	}
	return c.Member(member)
}

// Services returns every service ordered by name.
func (t *Topology) Services() []*Service {
	out := make([]*Service, 0, len(t.services))
	for _, s := range t.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequireService is Service with a violation naming the missing id.
func (t *Topology) RequireService(name string) (*Service, error) {
	s, ok := t.services[name]
	if !ok {
		return nil, missingService(name)
	}
	return s, nil
}

func (t *Topology) RequireCluster(service, cluster string) (*Cluster, error) {
	s, err := t.RequireService(service)
	if err != nil {
		return nil, err
	}
	c, ok := s.clusters[cluster]
	if !ok {
		return nil, missingCluster(service, cluster)
	}
	return c, nil
}

func (t *Topology) RequireMember(service, cluster, member string) (*Member, error) {
	c, err := t.RequireCluster(service, cluster)
	if err != nil {
		return nil, err
	}
	m, ok := c.members[member]
	if !ok {
		return nil, missingMember(service, cluster, member)
	}
	return m, nil
}

func (t *Topology) AddService(name, serviceType string) error {
	if name == "" {
		return &InvariantViolation{Reason: "service name is required"}
	}
	if _, ok := t.services[name]; ok {
		return &InvariantViolation{Service: name, Reason: fmt.Sprintf("service %s already exists", name)}
	}
	t.services[name] = &Service{
		Name:     name,
		Type:     serviceType,
		status:   ServiceCreated,
		clusters: make(map[string]*Cluster),
	}
	return nil
}

func (t *Topology) AddCluster(service, cluster string, hostnames []string) error {
	s, err := t.RequireService(service)
	if err != nil {
		return err
	}
	if cluster == "" {
		return &InvariantViolation{Service: service, Reason: "cluster id is required"}
	}
	if _, ok := s.clusters[cluster]; ok {
		return &InvariantViolation{Service: service, Cluster: cluster, Reason: fmt.Sprintf("cluster %s already exists in service %s", cluster, service)}
	}
	s.clusters[cluster] = &Cluster{
		ServiceName: service,
		ID:          cluster,
		Hostnames:   append([]string(nil), hostnames...),
		status:      ClusterCreated,
		members:     make(map[string]*Member),
		partitions:  make(map[string]int),
	}
	return nil
}

// AddMember inserts m in status Created. The ServiceName, ClusterID and ID
// fields select where it goes.
func (t *Topology) AddMember(m Member) error {
	c, err := t.RequireCluster(m.ServiceName, m.ClusterID)
	if err != nil {
		return err
	}
	if m.ID == "" {
		return &InvariantViolation{Service: m.ServiceName, Cluster: m.ClusterID, Reason: "member id is required"}
	}
	if _, ok := c.members[m.ID]; ok {
		return &InvariantViolation{Service: m.ServiceName, Cluster: m.ClusterID, Member: m.ID, Reason: fmt.Sprintf("member %s already exists in cluster %s", m.ID, m.ClusterID)}
	}
	if c.status == ClusterTerminated {
		return &InvariantViolation{Service: m.ServiceName, Cluster: m.ClusterID, Member: m.ID, Reason: fmt.Sprintf("cluster %s is terminated", m.ClusterID)}
	}
	added := m
	added.status = MemberCreated
	c.members[m.ID] = &added
	c.partitions[m.PartitionID]++
	return nil
}

// SetMemberStatus moves a member along a legal edge and recomputes the
// derived cluster and service statuses.
func (t *Topology) SetMemberStatus(service, cluster, member string, next MemberStatus) error {
	m, err := t.RequireMember(service, cluster, member)
	if err != nil {
		return err
	}
	if !m.status.CanTransitionTo(next) {
		return illegalMemberTransition(m, next)
	}
	m.status = next
	t.recompute(service, cluster)
	return nil
}

// SetMemberAddresses records the addresses reported when a member activates.
func (t *Topology) SetMemberAddresses(service, cluster, member, privateIP, publicIP string) error {
	m, err := t.RequireMember(service, cluster, member)
	if err != nil {
		return err
	}
	m.MemberIP = privateIP
	m.MemberPublicIP = publicIP
	return nil
}

// RemoveMember detaches a member from its cluster. The returned copy carries
// status Terminated.
func (t *Topology) RemoveMember(service, cluster, member string) (Member, error) {
	c, err := t.RequireCluster(service, cluster)
	if err != nil {
		return Member{}, err
	}
	m, ok := c.members[member]
	if !ok {
		return Member{}, missingMember(service, cluster, member)
	}
	delete(c.members, member)
	c.partitions[m.PartitionID]--
	if c.partitions[m.PartitionID] <= 0 {
		delete(c.partitions, m.PartitionID)
	}
	removed := *m
	removed.status = MemberTerminated
	t.recompute(service, cluster)
	return removed, nil
}

// SetClusterStatus only accepts InMaintenance; Active and Inactive are
// derived from members.
func (t *Topology) SetClusterStatus(service, cluster string, next ClusterStatus) error {
	c, err := t.RequireCluster(service, cluster)
	if err != nil {
		return err
	}
	if next != ClusterInMaintenance || c.status == ClusterInMaintenance || c.status == ClusterTerminated {
		return illegalClusterTransition(c, next)
	}
	c.status = next
	t.services[service].recomputeStatus()
	return nil
}

func (t *Topology) RemoveCluster(service, cluster string) error {
	c, err := t.RequireCluster(service, cluster)
	if err != nil {
		return err
	}
	if n := len(c.members); n > 0 {
		return &InvariantViolation{Service: service, Cluster: cluster, Reason: fmt.Sprintf("cluster %s still has %d members", cluster, n)}
	}
	s := t.services[service]
	delete(s.clusters, cluster)
	s.recomputeStatus()
	return nil
}

func (t *Topology) RemoveService(name string) error {
	s, err := t.RequireService(name)
	if err != nil {
		return err
	}
	if n := len(s.clusters); n > 0 {
		return &InvariantViolation{Service: name, Reason: fmt.Sprintf("service %s still has %d clusters", name, n)}
	}
	delete(t.services, name)
	return nil
}

func (t *Topology) recompute(service, cluster string) {
	s := t.services[service]
	s.clusters[cluster].recomputeStatus()
	s.recomputeStatus()
}

// Clone returns a deep copy sharing nothing with t.
func (t *Topology) Clone() *Topology {
	out := New()
	for name, s := range t.services {
		cs := &Service{Name: s.Name, Type: s.Type, status: s.status, clusters: make(map[string]*Cluster, len(s.clusters))}
		for id, c := range s.clusters {
			cc := &Cluster{
				ServiceName: c.ServiceName,
				ID:          c.ID,
				Hostnames:   append([]string(nil), c.Hostnames...),
				status:      c.status,
				members:     make(map[string]*Member, len(c.members)),
				partitions:  make(map[string]int, len(c.partitions)),
			}
			for mid, m := range c.members {
				cm := *m
				cc.members[mid] = &cm
			}
			for p, n := range c.partitions {
				cc.partitions[p] = n
			}
			cs.clusters[id] = cc
		}
		out.services[name] = cs
	}
	return out
}

func (t *Topology) Len() int { return len(t.services) }
