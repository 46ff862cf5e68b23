package models

// Role names as stored on the users table.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// Profile is a row of the users table. The signed-in user and every peer
// share this shape.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// DisplayName falls back to the id when no username is set.
func (p Profile) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

var roleRank = map[string]int{RoleAdmin: 3, RoleModerator: 2, RoleUser: 1}

// RoleRank orders roles; unknown or empty roles rank as plain users.
func RoleRank(role string) int {
	if r, ok := roleRank[role]; ok {
		return r
	}
	return 1
}

// CanDelete reports whether actor may delete a message written by authorID
// holding authorRole. Admins delete anything, moderators delete messages
// from plain users, everyone deletes their own.
func CanDelete(actor Profile, authorID, authorRole string) bool {
	if actor.ID == "" {
		return false
	}
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleModerator:
		if RoleRank(authorRole) < 2 {
			return true
		}
	}
	return authorID == actor.ID
}
