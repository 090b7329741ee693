// Package session carries the authenticated caller explicitly through the
// appointment and payment services.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/patient-appointments/internal/apperr"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleStaff   Role = "staff"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleStaff:
		return true
	}
	return false
}

type Session struct {
	UserID uuid.UUID
	Role   Role
	Phone  string
}

// IsClinical reports whether the caller acts for a doctor or clinic.
func (s *Session) IsClinical() bool {
	return s != nil && (s.Role == RoleDoctor || s.Role == RoleStaff)
}

// CanAccess reports whether the caller may see data owned by ownerID.
func (s *Session) CanAccess(ownerID uuid.UUID) bool {
	if s == nil {
		return false
	}
	return s.IsClinical() || s.UserID == ownerID
}

// Require returns ErrAuthenticationRequired for a nil session.
func Require(s *Session) error {
	if s == nil {
		return apperr.ErrAuthenticationRequired
	}
	return nil
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by the auth middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

var ErrInvalidToken = errors.New("invalid session token")

type claims struct {
	Role  Role   `json:"role"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

func (a *Authenticator) Issue(s Session, ttl time.Duration) (string, error) {
	now := a.now()
	c := claims{
		Role:  s.Role,
		Phone: s.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID.String(),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) Parse(raw string) (*Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if !c.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}

	return &Session{UserID: userID, Role: c.Role, Phone: c.Phone}, nil
}
