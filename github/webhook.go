package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrUnsupportedEvent indicates the webhook event type is not handled.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

// WebhookHandler verifies and parses GitHub webhook deliveries.
type WebhookHandler struct {
	secret []byte
}

// NewWebhookHandler creates a new webhook handler with the given secret.
func NewWebhookHandler(secret string) *WebhookHandler {
	return &WebhookHandler{
		secret: []byte(secret),
	}
}

// VerifySignature verifies the webhook payload signature.
// The signature header should be in the format "sha256=<hex-encoded-signature>".
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return ErrInvalidSignature
	}

	signature, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(signature, expected) {
		return ErrInvalidSignature
	}

	return nil
}

// ParsePushEvent parses a push webhook payload.
func (h *WebhookHandler) ParsePushEvent(payload []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse push payload: %w", err)
	}

	if event.Repository == nil {
		return nil, errors.New("payload is missing repository")
	}

	return &event, nil
}

// ParseInstallationEvent parses an installation webhook payload.
func (h *WebhookHandler) ParseInstallationEvent(payload []byte) (*InstallationEvent, error) {
	var event InstallationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse installation payload: %w", err)
	}

	if event.Installation == nil {
		return nil, errors.New("payload is missing installation")
	}

	return &event, nil
}

// ShouldProcess determines if a push event should trigger analysis.
// Branch deletions (after all zeros) and pushes with no commits are skipped.
func (h *WebhookHandler) ShouldProcess(eventType string, event *PushEvent) bool {
	if eventType != "push" {
		return false
	}

	if event.After == "" || strings.Trim(event.After, "0") == "" {
		return false
	}

	return len(event.Commits) > 0 || event.HeadCommit != nil
}

// AnalyzableCommits returns the commit SHAs from the push worth analyzing,
// deduplicated, with the head commit last.
func (h *WebhookHandler) AnalyzableCommits(event *PushEvent) []string {
	seen := make(map[string]bool, len(event.Commits)+1)
	var shas []string
	for _, c := range event.Commits {
		if c.ID != "" && !seen[c.ID] {
			seen[c.ID] = true
			shas = append(shas, c.ID)
		}
	}
	if event.HeadCommit != nil && event.HeadCommit.ID != "" && !seen[event.HeadCommit.ID] {
		shas = append(shas, event.HeadCommit.ID)
	}
	return shas
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("malformed repository full name %q", fullName)
	}
	return owner, repo, nil
}
