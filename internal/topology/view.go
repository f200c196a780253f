package topology

import (
	"encoding/json"
	"time"
)

type MemberView struct {
	ID                 string    `json:"member_id"`
	PartitionID        string    `json:"partition_id,omitempty"`
	NetworkPartitionID string    `json:"network_partition_id,omitempty"`
	InitTime           time.Time `json:"init_time,omitempty"`
	MemberIP           string    `json:"member_ip,omitempty"`
	MemberPublicIP     string    `json:"member_public_ip,omitempty"`
	Status             string    `json:"status"`
}

type ClusterView struct {
	ID         string         `json:"cluster_id"`
	Hostnames  []string       `json:"hostnames,omitempty"`
	Status     string         `json:"status"`
	Partitions map[string]int `json:"partitions,omitempty"`
	Members    []MemberView   `json:"members"`
}

type ServiceView struct {
	Name     string        `json:"service_name"`
	Type     string        `json:"service_type,omitempty"`
	Status   string        `json:"status"`
	Clusters []ClusterView `json:"clusters"`
}

// View is the read-only, serializable form of a topology.
type View struct {
	Version  uint64        `json:"version"`
	Services []ServiceView `json:"services"`
}

func (s *Service) View() ServiceView {
	out := ServiceView{Name: s.Name, Type: s.Type, Status: s.status.String(), Clusters: []ClusterView{}}
	for _, c := range s.Clusters() {
		cv := ClusterView{ID: c.ID, Hostnames: c.Hostnames, Status: c.status.String(), Partitions: c.PartitionCounts(), Members: []MemberView{}}
		for _, m := range c.Members() {
			cv.Members = append(cv.Members, MemberView{
				ID:                 m.ID,
				PartitionID:        m.PartitionID,
				NetworkPartitionID: m.NetworkPartitionID,
				InitTime:           m.InitTime,
				MemberIP:           m.MemberIP,
				MemberPublicIP:     m.MemberPublicIP,
				Status:             m.status.String(),
			})
		}
		out.Clusters = append(out.Clusters, cv)
	}
	return out
}

func (t *Topology) View(version uint64) View {
	v := View{Version: version, Services: []ServiceView{}}
	for _, s := range t.Services() {
		v.Services = append(v.Services, s.View())
	}
	return v
}

func (t *Topology) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.View(0))
}
