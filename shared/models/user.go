package models

// User is the slice of the external user record this system reads:
// display name for notification text and the admin flag for review fanout.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

// DisplayName falls back to the id when no name is known
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
