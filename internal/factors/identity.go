package factors

import (
	"context"

	"github.com/BradenHooton/neurolock/internal/models"
)

// SupervisorRoles may vouch for a colleague's new device.
var SupervisorRoles = map[models.Role]bool{
	models.RolePsychiatrist: true,
	models.RolePsychologist: true,
	models.RoleAdmin:        true,
}

// SupervisorVerifier accepts a device owner's identity when an active
// supervisor other than the owner vouches for them.
type SupervisorVerifier struct{}

func (SupervisorVerifier) Method() models.MFAMethod { return models.MFAMethodSupervisor }

func (SupervisorVerifier) Verify(_ context.Context, c *Challenge) error {
	return vouch(c, func(r models.Role) bool { return SupervisorRoles[r] })
}

// AdminManualVerifier records an administrator's out-of-band identity check.
type AdminManualVerifier struct{}

func (AdminManualVerifier) Method() models.MFAMethod { return models.MFAMethodAdminManual }

func (AdminManualVerifier) Verify(_ context.Context, c *Challenge) error {
	return vouch(c, func(r models.Role) bool { return r == models.RoleAdmin })
}

func vouch(c *Challenge, allowed func(models.Role) bool) error {
	a := c.Approver
	if a == nil || !a.IsActive() || !allowed(a.Role) {
		return models.ErrPermissionDenied
	}
	// Nobody vouches for themselves.
	if a.ID == c.Staff.ID {
		return models.ErrPermissionDenied
	}
	return nil
}
