package topology

// MemberStatus is the lifecycle position of a member.
// Created -> Starting -> Active <-> Suspended, and any live status -> Terminated.
type MemberStatus int

const (
	MemberCreated MemberStatus = iota + 1
	MemberStarting
	MemberActive
	MemberSuspended
	MemberTerminated
)

var memberStatusNames = map[MemberStatus]string{
	MemberCreated:    "Created",
	MemberStarting:   "Starting",
	MemberActive:     "Active",
	MemberSuspended:  "Suspended",
	MemberTerminated: "Terminated",
}

func (s MemberStatus) String() string {
	if name, ok := memberStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

var memberEdges = map[MemberStatus][]MemberStatus{
	MemberCreated:   {MemberStarting, MemberTerminated},
	MemberStarting:  {MemberActive, MemberTerminated},
	MemberActive:    {MemberSuspended, MemberTerminated},
	MemberSuspended: {MemberActive, MemberTerminated},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s MemberStatus) CanTransitionTo(next MemberStatus) bool {
	for _, allowed := range memberEdges[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ClusterStatus int

const (
	ClusterCreated ClusterStatus = iota + 1
	ClusterActive
	ClusterInactive
	ClusterInMaintenance
	ClusterTerminated
)

var clusterStatusNames = map[ClusterStatus]string{
	ClusterCreated:       "Created",
	ClusterActive:        "Active",
	ClusterInactive:      "Inactive",
	ClusterInMaintenance: "InMaintenance",
	ClusterTerminated:    "Terminated",
}

func (s ClusterStatus) String() string {
	if name, ok := clusterStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

type ServiceStatus int

const (
	ServiceCreated ServiceStatus = iota + 1
	ServiceActive
	ServiceInactive
	ServiceInMaintenance
)

var serviceStatusNames = map[ServiceStatus]string{
	ServiceCreated:       "Created",
	ServiceActive:        "Active",
	ServiceInactive:      "Inactive",
	ServiceInMaintenance: "InMaintenance",
}

func (s ServiceStatus) String() string {
	if name, ok := serviceStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}
