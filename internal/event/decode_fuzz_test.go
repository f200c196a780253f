package event

import "testing"

func FuzzDecode(f *testing.F) {
	f.Add(string(KindMemberStarted), []byte(`{"service_name":"S1","cluster_id":"C1","member_id":"M1"}`))
	f.Add(string(KindClusterCreated), []byte(`{"service_name":"S1","cluster_id":"C1","hostnames":["a"]}`))
	f.Add("bogus", []byte(`{}`))
	f.Fuzz(func(t *testing.T, kind string, payload []byte) {
		ev, err := Decode(Kind(kind), payload)
		if err == nil && ev.Service() == "" {
			t.Fatalf("decoded %s without a service", kind)
		}
		_ = RoutingKey(payload)
	})
}
