package auth

import (
	"errors"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Method represents the type of authentication
type Method string

const (
	MethodBasic        Method = "basic"         // username/password
	MethodClientSecret Method = "client_secret" // client_id/client_secret
	MethodJWT          Method = "jwt"           // bearer token issued by Login
)

const (
	ResourceGateway = "gateway"

	ActionRead  = "read"
	ActionWrite = "write"
)

// Result represents the outcome of authentication
type Result struct {
	Success bool     `json:"success"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Token   *Token   `json:"token,omitempty"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST {admin}/login.
type LoginRequest struct {
	Method       Method `json:"method"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Token        string `json:"token,omitempty"`
}

// Permission grants Action on Resource; "*" matches anything.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

var rolePermissions = map[string][]Permission{
	"admin": {
		{Resource: "*", Action: "*"},
	},
	"operator": {
		{Resource: ResourceGateway, Action: ActionRead},
		{Resource: ResourceGateway, Action: ActionWrite},
	},
	"viewer": {
		{Resource: ResourceGateway, Action: ActionRead},
	},
}
