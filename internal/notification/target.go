package notification

import (
	"strings"
	"time"
)

// DefaultAdminRole always receives system broadcasts regardless of target.
const DefaultAdminRole = "Super Admin"

// Recipient is the logged-in user a tab belongs to.
type Recipient struct {
	UserID    string
	Role      string
	Locations []string
	AdminRole string
}

// EligibleSystem reports whether the recipient should see the broadcast at now.
// A nil target means every user; an expired broadcast is never eligible.
func (rc Recipient) EligibleSystem(r *RawSystem, now time.Time) bool {
	if r == nil {
		return false
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt.Time) {
		return false
	}
	admin := strings.TrimSpace(rc.AdminRole)
	if admin == "" {
		admin = DefaultAdminRole
	}
	if strings.EqualFold(strings.TrimSpace(rc.Role), admin) {
		return true
	}
	t := r.Target
	if t == nil || t.AllUsers {
		return true
	}
	for _, role := range t.Roles {
		if strings.EqualFold(strings.TrimSpace(role), strings.TrimSpace(rc.Role)) && role != "" {
			return true
		}
	}
	for _, want := range t.Locations {
		for _, have := range rc.Locations {
			if want != "" && strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}

// Addressed reports whether a conversation message is meant for this recipient.
// Messages without a userId are broadcast to every agent of the business.
func (rc Recipient) Addressed(m *RawWhatsApp) bool {
	uid := strings.TrimSpace(m.UserID)
	return uid == "" || strings.TrimSpace(rc.UserID) == "" || uid == strings.TrimSpace(rc.UserID)
}
