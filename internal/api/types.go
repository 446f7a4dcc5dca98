package api

import "time"

// User is the authenticated principal as returned by the backend.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatar_url"`
	Username  string    `json:"username"`
	Role      string    `json:"role"` // "user" or "admin"
	Plan      string    `json:"plan"` // "free" or "pro"
	Quota     Quota     `json:"quota"`
	CreatedAt time.Time `json:"created_at"`
}

// Quota holds the remaining usage counters for the user's plan.
type Quota struct {
	Projects int `json:"projects"`
	Messages int `json:"messages"`
}

// IsAdmin returns true for admin users.
func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}

// Project is a project record owned by the user.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateProjectRequest is the payload for creating a project.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type userResponse struct {
	User User `json:"user"`
}

type projectsResponse struct {
	Projects []Project `json:"projects"`
}

type projectResponse struct {
	Project Project `json:"project"`
}
