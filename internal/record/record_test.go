package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/banshee-data/proximity.report/internal/ranging"
)

func TestFromResultRoundsToCentimeters(t *testing.T) {
	res := ranging.Result{
		Source:   'A',
		Peer:     'B',
		Distance: 2.34567,
		Quality:  0.87654,
		At:       time.Unix(1700000000, 0),
	}
	d := FromResult(res)
	if d.Node != "A" || d.Peer != "B" {
		t.Errorf("identities: got %s->%s", d.Node, d.Peer)
	}
	if d.Distance != 2.35 {
		t.Errorf("distance: got %v, want 2.35", d.Distance)
	}
	if d.Quality != 0.88 {
		t.Errorf("quality: got %v, want 0.88", d.Quality)
	}
	if d.Timestamp != 1700000000 {
		t.Errorf("timestamp: got %d", d.Timestamp)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDistanceValidate(t *testing.T) {
	valid := Distance{Node: "A", Peer: "B", Distance: 1.5, Quality: 0.9}

	tests := []struct {
		name   string
		mutate func(*Distance)
	}{
		{"empty node", func(d *Distance) { d.Node = "" }},
		{"multi char peer", func(d *Distance) { d.Peer = "BC" }},
		{"self ranging", func(d *Distance) { d.Peer = "A" }},
		{"negative distance", func(d *Distance) { d.Distance = -0.1 }},
		{"implausible distance", func(d *Distance) { d.Distance = 150 }},
		{"quality above one", func(d *Distance) { d.Quality = 1.2 }},
		{"negative quality", func(d *Distance) { d.Quality = -0.1 }},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("baseline must validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if err := d.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestDistancePairIsSymmetric(t *testing.T) {
	ab := Distance{Node: "A", Peer: "B", Distance: 1, Quality: 1}
	ba := Distance{Node: "B", Peer: "A", Distance: 1, Quality: 1}
	p1, err := ab.Pair()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ba.Pair()
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("pair keys differ: %s vs %s", p1, p2)
	}
}

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"untagged is distance", `{"node":"A","peer":"B","distance":1.5,"quality":0.9}`, KindDistance, false},
		{"heartbeat", `{"node":"A","type":"heartbeat","ts":1700000000,"rssi":-61}`, KindHeartbeat, false},
		{"status", `{"node":"A","type":"status","msg":"diagnostics","ts":1}`, KindStatus, false},
		{"unknown tag", `{"type":"telemetry"}`, "", true},
		{"not json", `hello`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Kind([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Error("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Kind: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeartbeatWireFormat(t *testing.T) {
	hb := NewHeartbeat('C', -55, time.Unix(1700000000, 0))
	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}
	kind, err := Kind(data)
	if err != nil || kind != KindHeartbeat {
		t.Errorf("Kind = %q, %v", kind, err)
	}
	var back Heartbeat
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != hb {
		t.Errorf("round trip: got %+v, want %+v", back, hb)
	}
}
