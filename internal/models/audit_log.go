package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Event types for audit logging
const (
	AuditEventPrimaryAuth      = "primary_auth"
	AuditEventSecondFactor     = "second_factor"
	AuditEventOTPIssued        = "otp_issued"
	AuditEventStepUp           = "step_up"
	AuditEventAccountLocked    = "account_locked"
	AuditEventAccountUnlocked  = "account_unlocked"
	AuditEventBackupCodeUsed   = "backup_code_used"
	AuditEventDeviceTrusted    = "device_trusted"
	AuditEventDeviceRegistered = "device_registered"
	AuditEventDeviceIdentity   = "device_identity_verified"
	AuditEventDeviceApproved   = "device_approved"
	AuditEventDeviceRevoked    = "device_revoked"
	AuditEventAccessDecision   = "access_decision"
	AuditEventSessionEnded     = "session_ended"
	AuditEventEnrollment       = "mfa_enrollment"
	AuditEventStaffChange      = "staff_change"
)

// Outcomes
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
	AuditOutcomeDenied  = "denied"
	AuditOutcomeLocked  = "locked"
)

// Target types
const (
	AuditTargetStaff    = "staff"
	AuditTargetDevice   = "device"
	AuditTargetSession  = "session"
	AuditTargetResource = "resource"
)

// AuditEvent is an append-only security event. It is the contract consumed by
// downstream suspicious-activity detection.
type AuditEvent struct {
	ID         string        `json:"id"`
	EventType  string        `json:"event_type"`
	ActorID    string        `json:"actor_id,omitempty"`
	TargetType string        `json:"target_type,omitempty"`
	TargetID   string        `json:"target_id,omitempty"`
	Outcome    string        `json:"outcome"`
	Method     string        `json:"method,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"`
	IPAddress  string        `json:"ip_address,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Metadata   AuditMetadata `json:"metadata,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AuditFilter selects events for getAuditTrail. Zero values match everything.
type AuditFilter struct {
	ActorID    string
	TargetID   string
	EventTypes []string
	Outcome    string
	IPAddress  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies every set field of f.
func (f *AuditFilter) Matches(e *AuditEvent) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// AuditPage is one page of getAuditTrail results.
type AuditPage struct {
	Events []*AuditEvent `json:"events"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RequestMeta is the network context of the caller, recorded on audit events.
type RequestMeta struct {
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}
