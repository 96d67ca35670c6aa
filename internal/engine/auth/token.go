package auth

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in tokens.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

var ErrNoSecret = errors.New("jwt secret not configured")

// Claims is the HS256 token body. Subject is the user id. Topics grant read
// access to notification topics; Reports lists the tasks an agent may report
// lifecycle events for.
type Claims struct {
	jwt.RegisteredClaims
	Roles   []string `json:"roles,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Reports []string `json:"reports,omitempty"`
}

// UserID parses the numeric subject.
func (c Claims) UserID() (int64, bool) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	return id, err == nil && id > 0
}

func (c Claims) HasRole(role string) bool { return slices.Contains(c.Roles, role) }

// CanRead reports whether topic is listed exactly. Wildcards are never honored.
func (c Claims) CanRead(topic string) bool {
	if strings.ContainsAny(topic, "*>#+") {
		return false
	}
	return slices.Contains(c.Topics, topic)
}

// CanReport reports whether the token may write lifecycle events for taskID.
func (c Claims) CanReport(taskID string) bool {
	return taskID != "" && c.HasRole(RoleAgent) && slices.Contains(c.Reports, taskID)
}

// Signer mints and verifies tokens with one shared secret.
type Signer struct {
	Secret string
	Now    func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sign issues a token for subject valid for ttl.
func (s Signer) Sign(subject string, roles, topics []string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Roles:            roles,
		Topics:           topics,
	}, ttl)
}

// SignAgent issues the callback token handed to the agent running taskID.
func (s Signer) SignAgent(taskID string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent:" + taskID},
		Roles:            []string{RoleAgent},
		Reports:          []string{taskID},
	}, ttl)
}

func (s Signer) sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", time.Time{}, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now()
	exp := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.Issuer = "briefline"
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// SignUser issues a user token.
func (s Signer) SignUser(userID int64, ttl time.Duration) (string, time.Time, error) {
	return s.Sign(strconv.FormatInt(userID, 10), []string{RoleUser}, nil, ttl)
}

// Parse verifies an HS256 token.
func (s Signer) Parse(token string) (Claims, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return Claims{}, ErrNoSecret
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return *claims, nil
}
