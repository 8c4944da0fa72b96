package models

// ResourceCategory groups patient-data operations for access control.
type ResourceCategory string

const (
	CategoryViewRecords       ResourceCategory = "view-records"
	CategoryViewDemographics  ResourceCategory = "view-demographics"
	CategoryEditRecords       ResourceCategory = "edit-records"
	CategoryViewMedications   ResourceCategory = "view-medications"
	CategoryPrescribe         ResourceCategory = "prescribe"
	CategoryViewTherapyNotes  ResourceCategory = "view-therapy-notes"
	CategoryWriteTherapyNotes ResourceCategory = "write-therapy-notes"
	CategoryManageStaff       ResourceCategory = "manage-staff"
	CategoryViewAudit         ResourceCategory = "view-audit"
)

type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionDeny           Decision = "deny"
	DecisionStepUpRequired Decision = "step-up-required"
)

// AccessResult is the evaluator output plus the context a caller needs to act on it.
type AccessResult struct {
	Decision  Decision         `json:"decision"`
	Role      Role             `json:"role"`
	Category  ResourceCategory `json:"category"`
	Sensitive bool             `json:"sensitive"`
	// WindowSeconds is the freshness window for sensitive categories.
	WindowSeconds int64       `json:"window_seconds,omitempty"`
	Methods       []MFAMethod `json:"methods,omitempty"`
}
