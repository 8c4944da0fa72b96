package models

import (
	"testing"
	"time"
)

func TestAuditFilter_Matches_Empty(t *testing.T) {
	f := AuditFilter{}
	e := &AuditEvent{EventType: AuditEventPrimaryAuth, Outcome: AuditOutcomeFailure, CreatedAt: time.Now()}

	if !f.Matches(e) {
		t.Errorf("expected empty filter to match every event")
	}
}

func TestAuditFilter_Matches_Fields(t *testing.T) {
	now := time.Now()
	e := &AuditEvent{
		EventType: AuditEventAccountLocked,
		ActorID:   "staff-1",
		TargetID:  "staff-1",
		Outcome:   AuditOutcomeLocked,
		IPAddress: "10.0.0.1",
		CreatedAt: now,
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   bool
	}{
		{"actor match", AuditFilter{ActorID: "staff-1"}, true},
		{"actor mismatch", AuditFilter{ActorID: "staff-2"}, false},
		{"event type in set", AuditFilter{EventTypes: []string{AuditEventPrimaryAuth, AuditEventAccountLocked}}, true},
		{"event type not in set", AuditFilter{EventTypes: []string{AuditEventStepUp}}, false},
		{"outcome mismatch", AuditFilter{Outcome: AuditOutcomeSuccess}, false},
		{"ip match", AuditFilter{IPAddress: "10.0.0.1"}, true},
		{"since before", AuditFilter{Since: ptrTime(now.Add(-time.Minute))}, true},
		{"since after", AuditFilter{Since: ptrTime(now.Add(time.Minute))}, false},
		{"until exclusive", AuditFilter{Until: ptrTime(now)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuditMetadata_ScanValue(t *testing.T) {
	m := AuditMetadata{"reason": "failed-attempts"}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var out AuditMetadata
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if out["reason"] != "failed-attempts" {
		t.Errorf("expected reason failed-attempts, got %v", out["reason"])
	}

	var empty AuditMetadata
	if err := empty.Scan(nil); err != nil || empty == nil {
		t.Errorf("expected nil scan to produce empty map")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
