package github

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// appJWTLifetime is the assertion expiry window. GitHub rejects
	// anything beyond 10 minutes.
	appJWTLifetime = 10 * time.Minute

	// appJWTBackdate shifts the issued-at claim into the past to absorb
	// clock skew between us and GitHub.
	appJWTBackdate = 60 * time.Second

	mockAppJWT = "mock-app-jwt-token"
)

// AppAuth issues short-lived signed assertions proving control of the
// GitHub App's private key. Assertions authenticate App-level endpoints
// only, never repository-scoped calls.
type AppAuth struct {
	appID      string
	privateKey []byte
	mockMode   bool
	now        func() time.Time
}

// NewAppAuth creates an assertion issuer for the given App.
// The privateKey is the PEM-encoded RSA key of the GitHub App.
func NewAppAuth(appID string, privateKey []byte, mockMode bool) *AppAuth {
	return &AppAuth{
		appID:      appID,
		privateKey: privateKey,
		mockMode:   mockMode,
		now:        time.Now,
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IssueJWT produces a signed App assertion usable as a Bearer credential.
// In mock mode it returns a placeholder token, still validating the App ID
// so configuration mistakes surface in tests.
func (a *AppAuth) IssueJWT() (string, error) {
	if !isNumeric(a.appID) {
		return "", NewAPIError(KindInvalidCredentials,
			fmt.Sprintf("app ID must be a numeric string, got %q", a.appID), ErrorContext{})
	}

	if a.mockMode {
		return mockAppJWT, nil
	}

	if len(a.privateKey) == 0 {
		return "", NewAPIError(KindMissingCredentials, "private key material is empty", ErrorContext{})
	}
	if !strings.HasPrefix(strings.TrimSpace(string(a.privateKey)), "-----BEGIN") {
		return "", NewAPIError(KindInvalidCredentials, "private key is not PEM encoded", ErrorContext{})
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(a.privateKey)
	if err != nil {
		apiErr := NewAPIError(KindInvalidCredentials, fmt.Sprintf("failed to parse private key: %v", err), ErrorContext{})
		apiErr.Err = err
		return "", apiErr
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
		Issuer:    a.appID,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		apiErr := NewAPIError(KindInvalidCredentials, fmt.Sprintf("failed to sign app assertion: %v", err), ErrorContext{})
		apiErr.Err = err
		return "", apiErr
	}
	return token, nil
}
