// Package auth issues and verifies per-project JWTs. Signing secrets are
// derived from the master secret per project, so no per-project secret is
// ever stored and a leaked project token cannot be replayed across
// projects.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bradax/broker/internal/project"
)

// derivationContext binds derived secrets to this key schema version.
// Changing it invalidates every outstanding token.
const derivationContext = "bradax-jwt-v1::"

// keyVersion is the version suffix carried in the token kid header.
const keyVersion = "v1"

var (
	ErrUnknownProject  = errors.New("unknown project")
	ErrProjectInactive = errors.New("project is not active")
	ErrInvalidAPIKey   = errors.New("invalid api key")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
)

// EventSink receives authentication outcomes for the telemetry stream.
type EventSink interface {
	RecordAuthentication(projectID string, success bool, reason string)
}

// Claims is the broker token payload.
type Claims struct {
	ProjectID    string   `json:"project_id"`
	Organization string   `json:"organization,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ProjectID    string
	Organization string
	Scopes       []string
	ExpiresAt    time.Time
}

// Service derives signing secrets, exchanges api keys for tokens, and
// verifies bearer tokens.
type Service struct {
	masterSecret []byte
	expiry       time.Duration
	projects     *project.Store
	sink         EventSink
	logger       *log.Logger

	mu      sync.RWMutex
	derived map[string][]byte
}

// NewService wires the token service. The master secret is held only here.
func NewService(masterSecret string, expiry time.Duration, projects *project.Store, sink EventSink) *Service {
	return &Service{
		masterSecret: []byte(masterSecret),
		expiry:       expiry,
		projects:     projects,
		sink:         sink,
		logger:       log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		derived:      make(map[string][]byte),
	}
}

// KeyID is the kid header value for a project's current signing key.
func KeyID(projectID string) string {
	return "p:" + strings.ToLower(projectID) + ":" + keyVersion
}

// deriveSecret computes HMAC-SHA256(master, context || project_id). The
// result is memoized; derivation is deterministic so the cache never needs
// invalidation while the master secret is fixed.
func (s *Service) deriveSecret(projectID string) []byte {
	projectID = strings.ToLower(projectID)

	s.mu.RLock()
	secret, ok := s.derived[projectID]
	s.mu.RUnlock()
	if ok {
		return secret
	}

	mac := hmac.New(sha256.New, s.masterSecret)
	mac.Write([]byte(derivationContext + projectID))
	secret = mac.Sum(nil)

	s.mu.Lock()
	s.derived[projectID] = secret
	s.mu.Unlock()
	return secret
}

// IssueToken validates the api key against the project record and returns
// a signed token plus its expiry. Inactive projects are refused even with
// a correct key.
func (s *Service) IssueToken(projectID, apiKey string) (string, time.Time, error) {
	projectID = strings.ToLower(projectID)

	p, ok := s.projects.Get(projectID)
	if !ok {
		s.record(projectID, false, "unknown project")
		return "", time.Time{}, ErrUnknownProject
	}
	if !p.IsActive() {
		s.record(projectID, false, "project "+string(p.Status))
		return "", time.Time{}, ErrProjectInactive
	}
	org, err := VerifyAPIKey(projectID, p.APIKeyHash, apiKey)
	if err != nil {
		s.record(projectID, false, "api key rejected")
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.expiry)
	claims := Claims{
		ProjectID:    projectID,
		Organization: org,
		Scopes:       []string{"llm:invoke"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = KeyID(projectID)

	signed, err := token.SignedString(s.deriveSecret(projectID))
	if err != nil {
		s.record(projectID, false, "signing failure")
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}

	s.record(projectID, true, "token issued")
	s.logger.Printf("🔑 issued token for project %s (expires %s)", projectID, expiresAt.Format(time.RFC3339))
	return signed, expiresAt, nil
}

// VerifyToken checks signature, expiry, and the kid/payload project match,
// returning the authenticated principal. Any structural defect maps to
// ErrInvalidToken; only a good signature past its exp maps to
// ErrExpiredToken.
func (s *Service) VerifyToken(tokenString string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		projectID, err := projectFromKeyID(kid)
		if err != nil {
			return nil, err
		}
		if _, ok := s.projects.Get(projectID); !ok {
			return nil, ErrUnknownProject
		}
		return s.deriveSecret(projectID), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.record(claims.ProjectID, false, "token expired")
			return nil, ErrExpiredToken
		}
		s.record(claims.ProjectID, false, "token rejected")
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	kid, _ := token.Header["kid"].(string)
	kidProject, err := projectFromKeyID(kid)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(claims.ProjectID, kidProject) {
		s.record(claims.ProjectID, false, "kid/payload project mismatch")
		return nil, fmt.Errorf("%w: kid and payload disagree on project", ErrInvalidToken)
	}

	s.record(claims.ProjectID, true, "token verified")
	return &Principal{
		ProjectID:    strings.ToLower(claims.ProjectID),
		Organization: claims.Organization,
		Scopes:       claims.Scopes,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// projectFromKeyID parses and checks the kid shape p:<project_id>:v1.
func projectFromKeyID(kid string) (string, error) {
	parts := strings.Split(kid, ":")
	if len(parts) != 3 || parts[0] != "p" || parts[1] == "" {
		return "", fmt.Errorf("%w: malformed kid %q", ErrInvalidToken, kid)
	}
	if parts[2] != keyVersion {
		return "", fmt.Errorf("%w: unsupported key version %q", ErrInvalidToken, parts[2])
	}
	return strings.ToLower(parts[1]), nil
}

func (s *Service) record(projectID string, success bool, reason string) {
	if s.sink != nil {
		s.sink.RecordAuthentication(projectID, success, reason)
	}
}
