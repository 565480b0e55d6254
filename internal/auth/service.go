// Package auth protects the admin API with basic, client-secret or bearer
// JWT credentials declared in configuration.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "moltworker"

// User is a username with a bcrypt password hash.
type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Client is a machine credential compared in constant time.
type Client struct {
	ID     string   `mapstructure:"id"`
	Secret string   `mapstructure:"secret"`
	Roles  []string `mapstructure:"roles"`
}

// Config is the [auth] table.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"` // random per process when empty
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
	Clients   []Client      `mapstructure:"clients"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 && len(c.Clients) == 0 {
		return errors.New("auth: enabled without users or clients")
	}
	var errs []error
	for _, u := range c.Users {
		if u.Username == "" {
			errs = append(errs, errors.New("auth: user without username"))
			continue
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash", u.Username))
		}
	}
	for _, cl := range c.Clients {
		if cl.ID == "" || cl.Secret == "" {
			errs = append(errs, errors.New("auth: client requires id and secret"))
		}
	}
	return errors.Join(errs...)
}

// Claims represents JWT claims
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Service authenticates admin API callers.
type Service struct {
	users     map[string]User
	clients   map[string]Client
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewService(c Config) (*Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(c.JWTSecret)
	if len(secret) == 0 {
		// tokens then only survive until restart
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &Service{
		users:     make(map[string]User, len(c.Users)),
		clients:   make(map[string]Client, len(c.Clients)),
		jwtSecret: secret,
		tokenTTL:  ttl,
	}
	for _, u := range c.Users {
		s.users[u.Username] = u
	}
	for _, cl := range c.Clients {
		s.clients[cl.ID] = cl
	}
	return s, nil
}

// Authenticate performs authentication based on the login request
func (s *Service) Authenticate(_ context.Context, req LoginRequest) (*Result, error) {
	switch req.Method {
	case MethodBasic:
		return s.authenticateBasic(req.Username, req.Password)
	case MethodClientSecret:
		return s.authenticateClientSecret(req.ClientID, req.ClientSecret)
	case MethodJWT:
		return s.authenticateJWT(req.Token)
	default:
		return &Result{}, fmt.Errorf("unsupported auth method: %s", req.Method)
	}
}

func (s *Service) authenticateBasic(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return &Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return &Result{}, ErrInvalidCredentials
	}
	return s.issue(u.Username, u.Roles)
}

func (s *Service) authenticateClientSecret(id, secret string) (*Result, error) {
	cl, ok := s.clients[id]
	if !ok || secret == "" {
		return &Result{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(cl.Secret), []byte(secret)) != 1 {
		return &Result{}, ErrInvalidCredentials
	}
	return s.issue(cl.ID, cl.Roles)
}

func (s *Service) authenticateJWT(tokenString string) (*Result, error) {
	if tokenString == "" {
		return &Result{}, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return &Result{}, ErrInvalidCredentials
	}
	return &Result{Success: true, Subject: claims.Subject, Roles: claims.Roles}, nil
}

func (s *Service) issue(subject string, roles []string) (*Result, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return &Result{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Result{
		Success: true,
		Subject: subject,
		Roles:   roles,
		Token:   &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt},
	}, nil
}

// HasPermission reports whether any of roles grants action on resource.
func (s *Service) HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if (p.Resource == "*" || p.Resource == resource) && (p.Action == "*" || p.Action == action) {
				return true
			}
		}
	}
	return false
}

// HashPassword returns a bcrypt hash suitable for auth.users[].password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}
