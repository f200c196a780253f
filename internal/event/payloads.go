package event

import (
	"errors"
	"time"
)

type ServiceRef struct {
	ServiceName string `json:"service_name"`
}

func (r ServiceRef) Service() string { return r.ServiceName }

func (r ServiceRef) validate() error {
	if r.ServiceName == "" {
		return errors.New("service_name is required")
	}
	return nil
}

type ClusterRef struct {
	ServiceName string `json:"service_name"`
	ClusterID   string `json:"cluster_id"`
}

func (r ClusterRef) Service() string { return r.ServiceName }

func (r ClusterRef) validate() error {
	if r.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if r.ClusterID == "" {
		return errors.New("cluster_id is required")
	}
	return nil
}

type MemberRef struct {
	ServiceName string `json:"service_name"`
	ClusterID   string `json:"cluster_id"`
	MemberID    string `json:"member_id"`
}

func (r MemberRef) Service() string { return r.ServiceName }

func (r MemberRef) validate() error {
	if r.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if r.ClusterID == "" {
		return errors.New("cluster_id is required")
	}
	if r.MemberID == "" {
		return errors.New("member_id is required")
	}
	return nil
}

type ServiceCreated struct {
	ServiceRef
	ServiceType string `json:"service_type"`
}

func (*ServiceCreated) Kind() Kind { return KindServiceCreated }

type ServiceRemoved struct {
	ServiceRef
}

func (*ServiceRemoved) Kind() Kind { return KindServiceRemoved }

type ClusterCreated struct {
	ClusterRef
	Hostnames []string `json:"hostnames"`
}

func (*ClusterCreated) Kind() Kind { return KindClusterCreated }

type ClusterRemoved struct {
	ClusterRef
}

func (*ClusterRemoved) Kind() Kind { return KindClusterRemoved }

type ClusterMaintenanceMode struct {
	ClusterRef
}

func (*ClusterMaintenanceMode) Kind() Kind { return KindClusterMaintenanceMode }

// MemberSpawned announces a member placed by the scheduler. It is the only
// event that creates a member.
type MemberSpawned struct {
	MemberRef
	PartitionID        string `json:"partition_id"`
	NetworkPartitionID string `json:"network_partition_id"`
	// InitTime is epoch milliseconds.
	InitTime int64 `json:"init_time"`
}

func (*MemberSpawned) Kind() Kind { return KindMemberSpawned }

func (e *MemberSpawned) InitTimeUTC() time.Time {
	if e.InitTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.InitTime).UTC()
}

type MemberStarted struct {
	MemberRef
}

func (*MemberStarted) Kind() Kind { return KindMemberStarted }

type MemberActivated struct {
	MemberRef
	MemberIP       string `json:"member_ip"`
	MemberPublicIP string `json:"member_public_ip"`
}

func (*MemberActivated) Kind() Kind { return KindMemberActivated }

type MemberSuspended struct {
	MemberRef
}

func (*MemberSuspended) Kind() Kind { return KindMemberSuspended }

type MemberResumed struct {
	MemberRef
}

func (*MemberResumed) Kind() Kind { return KindMemberResumed }

type MemberTerminated struct {
	MemberRef
}

func (*MemberTerminated) Kind() Kind { return KindMemberTerminated }
