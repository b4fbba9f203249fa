package auth

import "time"

type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
	RoleAdmin Role = "admin"
)

// Party is the domain representation of an authenticated participant.
// It mirrors the parties table and should not include JSON annotations so it
// can be reused by different presentation layers.
type Party struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Phone        *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
