package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer              = "collab-sessions"
	accessAudience      = "api"
	participantAudience = "collab-session"
)

// ErrInvalidToken is returned when a token parses but is not usable
var ErrInvalidToken = errors.New("invalid token")

// Claims represents access token claims. Subject carries the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the authenticated user id
func (c *Claims) UserID() string {
	return c.Subject
}

// ParticipantClaims authorize one participant to join one live session.
// Subject carries the participant id.
type ParticipantClaims struct {
	SessionID   string `json:"sid"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ParticipantID returns the participant the token was issued to
func (c *ParticipantClaims) ParticipantID() string {
	return c.Subject
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secret              []byte
	accessTokenTTL      time.Duration
	participantTokenTTL time.Duration
	now                 func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, accessTTL, participantTTL time.Duration) *JWTManager {
	return &JWTManager{
		secret:              []byte(secret),
		accessTokenTTL:      accessTTL,
		participantTokenTTL: participantTTL,
		now:                 time.Now,
	}
}

func (m *JWTManager) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
	}
}

// GenerateAccessToken generates a new API access token
func (m *JWTManager) GenerateAccessToken(userID, name string) (string, error) {
	claims := Claims{
		Name:             name,
		RegisteredClaims: m.registered(userID, accessAudience, m.accessTokenTTL),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// GenerateParticipantToken generates a token for joining a live session
func (m *JWTManager) GenerateParticipantToken(sessionID, participantID, displayName string) (string, error) {
	if sessionID == "" || participantID == "" {
		return "", errors.New("session id and participant id are required")
	}
	claims := ParticipantClaims{
		SessionID:        sessionID,
		DisplayName:      displayName,
		RegisteredClaims: m.registered(participantID, participantAudience, m.participantTokenTTL),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateAccessToken validates an access token and returns the claims
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if err := m.parse(tokenString, claims, accessAudience); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateParticipantToken validates a participant token and returns the claims
func (m *JWTManager) ValidateParticipantToken(tokenString string) (*ParticipantClaims, error) {
	claims := &ParticipantClaims{}
	if err := m.parse(tokenString, claims, participantAudience); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *JWTManager) parse(tokenString string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// AccessTokenTTL returns the access token TTL
func (m *JWTManager) AccessTokenTTL() time.Duration {
	return m.accessTokenTTL
}

// ParticipantTokenTTL returns the participant token TTL
func (m *JWTManager) ParticipantTokenTTL() time.Duration {
	return m.participantTokenTTL
}
