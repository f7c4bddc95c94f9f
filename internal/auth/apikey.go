package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Api keys look like bradax_<project_id>_<org>_<secret><suffix>_<timestamp>.
// The project store holds only the secret portion (api_key_hash); the full
// key is shown once at creation and never persisted.
const apiKeyPrefix = "bradax"

// storedSecretLen is how many hex characters of the key secret are kept in
// the project record.
const storedSecretLen = 16

// VerifyAPIKey checks a presented key against the stored hash for the
// project, returning the embedded organization. The project id segment of
// the key must match exactly; the stored hash must be a prefix of the key
// secret segment.
func VerifyAPIKey(projectID, storedHash, apiKey string) (string, error) {
	projectID = strings.ToLower(projectID)

	want := apiKeyPrefix + "_" + projectID + "_"
	if !strings.HasPrefix(apiKey, want) {
		return "", ErrInvalidAPIKey
	}

	// Remaining segments: <org>_<secret><suffix>_<timestamp>. The secret
	// segment may itself contain underscores, so split from both ends.
	rest := strings.TrimPrefix(apiKey, want)
	firstSep := strings.Index(rest, "_")
	lastSep := strings.LastIndex(rest, "_")
	if firstSep <= 0 || lastSep <= firstSep {
		return "", ErrInvalidAPIKey
	}

	org := rest[:firstSep]
	secret := rest[firstSep+1 : lastSep]
	timestamp := rest[lastSep+1:]
	if org == "" || secret == "" || timestamp == "" {
		return "", ErrInvalidAPIKey
	}
	if storedHash == "" || !strings.HasPrefix(secret, storedHash) {
		return "", ErrInvalidAPIKey
	}
	return org, nil
}

// GenerateAPIKey mints a fresh key for a project and returns the key and
// the hash to store. The hash is a sha256-derived prefix of the secret
// segment.
func GenerateAPIKey(projectID, org string) (key, hash string, err error) {
	projectID = strings.ToLower(projectID)
	if projectID == "" || org == "" || strings.Contains(org, "_") {
		return "", "", fmt.Errorf("auth: project id and underscore-free org are required")
	}

	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", fmt.Errorf("auth: entropy: %w", err)
	}
	digest := sha256.Sum256(entropy)
	secret := hex.EncodeToString(digest[:])

	hash = secret[:storedSecretLen]
	key = fmt.Sprintf("%s_%s_%s_%s_%d", apiKeyPrefix, projectID, org, secret, time.Now().UTC().Unix())
	return key, hash, nil
}
