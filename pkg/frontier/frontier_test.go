package frontier

import (
	"testing"
	"time"

	"github.com/daviddao/verdant/pkg/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rep(id, ack string, seenAgo time.Duration) model.Replica {
	return model.Replica{ID: id, AckedLogicalTime: ack, LastSeen: now.Add(-seenAgo)}
}

func TestComputeGlobalAck(t *testing.T) {
	tests := []struct {
		name     string
		replicas []model.Replica
		opts     Options
		want     string
	}{
		{"empty", nil, Options{Now: now}, ""},
		{"single", []model.Replica{rep("a", "05", 0)}, Options{Now: now}, "05"},
		{"minimum", []model.Replica{rep("a", "05", 0), rep("b", "03", 0), rep("c", "09", 0)}, Options{Now: now}, "03"},
		{"unacked ignored", []model.Replica{rep("a", "05", 0), rep("b", "", 0)}, Options{Now: now}, "05"},
		{
			"truant ignored",
			[]model.Replica{rep("a", "05", time.Minute), rep("b", "01", 48*time.Hour)},
			Options{Now: now, Truancy: 24 * time.Hour},
			"05",
		},
		{
			"only connected",
			[]model.Replica{rep("a", "05", 0), rep("b", "01", 0)},
			Options{Now: now, Only: map[string]bool{"a": true}},
			"05",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeGlobalAck(tt.replicas, tt.opts); got != tt.want {
				t.Fatalf("ComputeGlobalAck = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTruant(t *testing.T) {
	if IsTruant(rep("a", "", 2*time.Hour), now, 0) {
		t.Fatal("zero truancy should disable the check")
	}
	if !IsTruant(rep("a", "", 2*time.Hour), now, time.Hour) {
		t.Fatal("replica away for 2h with 1h truancy should be truant")
	}
	if IsTruant(rep("a", "", 30*time.Minute), now, time.Hour) {
		t.Fatal("recent replica should not be truant")
	}
}

func TestComputeStatus(t *testing.T) {
	replicas := []model.Replica{
		rep("a", "05", 0),
		rep("b", "03", 0),
		rep("c", "01", 72*time.Hour),
	}
	st := ComputeStatus("04", replicas, Options{Now: now, Truancy: 24 * time.Hour})
	if st.SafeToFold {
		t.Fatal("b has not acked 04; fold should be unsafe")
	}
	if len(st.BlockedBy) != 1 || st.BlockedBy[0] != "b" {
		t.Fatalf("BlockedBy = %v, want [b]", st.BlockedBy)
	}
	if len(st.Truant) != 1 || st.Truant[0] != "c" {
		t.Fatalf("Truant = %v, want [c]", st.Truant)
	}

	st = ComputeStatus("03", replicas, Options{Now: now, Truancy: 24 * time.Hour})
	if !st.SafeToFold || st.GlobalAck != "03" {
		t.Fatalf("status at 03 = %+v, want safe with global ack 03", st)
	}
}
