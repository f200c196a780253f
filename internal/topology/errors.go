package topology

import (
	"errors"
	"fmt"
)

var ErrInvariantViolation = errors.New("topology invariant violation")

// InvariantViolation is returned by every mutator that refuses a change.
// The topology is untouched when it is returned.
type InvariantViolation struct {
	Service string
	Cluster string
	Member  string
	From    string
	To      string
	Reason  string
}

func (e *InvariantViolation) Error() string {
	return e.Reason
}

func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}

// AsInvariantViolation unwraps err into an *InvariantViolation.
func AsInvariantViolation(err error) (*InvariantViolation, bool) {
	var v *InvariantViolation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

func missingService(service string) error {
	return &InvariantViolation{Service: service, Reason: fmt.Sprintf("service %s does not exist", service)}
}

func missingCluster(service, cluster string) error {
	return &InvariantViolation{Service: service, Cluster: cluster, Reason: fmt.Sprintf("cluster %s does not exist", cluster)}
}

func missingMember(service, cluster, member string) error {
	return &InvariantViolation{Service: service, Cluster: cluster, Member: member, Reason: fmt.Sprintf("member %s does not exist", member)}
}

func illegalMemberTransition(m *Member, next MemberStatus) error {
	return &InvariantViolation{
		Service: m.ServiceName,
		Cluster: m.ClusterID,
		Member:  m.ID,
		From:    m.status.String(),
		To:      next.String(),
		Reason:  fmt.Sprintf("member %s: illegal status transition %s→%s", m.ID, m.status, next),
	}
}

func illegalClusterTransition(c *Cluster, next ClusterStatus) error {
	return &InvariantViolation{
		Service: c.ServiceName,
		Cluster: c.ID,
		From:    c.status.String(),
		To:      next.String(),
		Reason:  fmt.Sprintf("cluster %s: illegal status transition %s→%s", c.ID, c.status, next),
	}
}
