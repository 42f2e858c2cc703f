package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const sessionIssuer = "rentwatch"

// Session is the signed-in user carried by the session cookie or a bearer
// token.
type Session struct {
	UserID    primitive.ObjectID
	LineID    string
	Name      string
	ExpiresAt time.Time
}

// sessionClaims keeps the user's ObjectID (hex) in the subject.
type sessionClaims struct {
	LineID string `json:"lid"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	key    []byte
	ttl    time.Duration
	parser *jwt.Parser
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{
		key: []byte(secret),
		ttl: ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(sessionIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Issue signs a session for userID that expires ttl after now.
func (s *Sessions) Issue(now time.Time, userID primitive.ObjectID, lineID, name string) (string, time.Time, error) {
	if userID.IsZero() {
		return "", time.Time{}, errors.New("session without user")
	}

	expires := now.Add(s.ttl)
	claims := sessionClaims{
		LineID: lineID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expires, nil
}

func (s *Sessions) Verify(raw string) (Session, error) {
	if raw == "" {
		return Session{}, errors.New("empty session token")
	}

	var claims sessionClaims
	if _, err := s.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}); err != nil {
		return Session{}, fmt.Errorf("verify session: %w", err)
	}

	userID, err := primitive.ObjectIDFromHex(claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("session subject: %w", err)
	}

	return Session{
		UserID:    userID,
		LineID:    claims.LineID,
		Name:      claims.Name,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
