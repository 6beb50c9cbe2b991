package services

import (
	"crypto/subtle"
	"log"
)

// WebhookAuthenticator rejects forged provider notifications before any
// ledger or wallet state is touched. The expected signature is injected at
// construction; it is never read from ambient process state.
type WebhookAuthenticator struct {
	secretHash string
}

func NewWebhookAuthenticator(secretHash string) *WebhookAuthenticator {
	return &WebhookAuthenticator{secretHash: secretHash}
}

// Authenticate compares the received signature header against the configured
// secret hash. An unset secret selects trust mode (sandbox parity): every
// notification passes and verification has to rely on the provider check.
// A configured secret fails closed on mismatch.
func (a *WebhookAuthenticator) Authenticate(receivedSignature string) bool {
	if a.secretHash == "" {
		return true
	}

	if subtle.ConstantTimeCompare([]byte(a.secretHash), []byte(receivedSignature)) != 1 {
		log.Printf("SECURITY: webhook signature mismatch, notification rejected")
		return false
	}

	return true
}
