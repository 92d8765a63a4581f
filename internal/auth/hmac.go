package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"listing-analytics/internal/config"
)

var (
	ErrUnknownClient    = errors.New("unknown client")
	ErrInvalidAPIKey    = errors.New("missing or invalid api key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ComputeSignature returns the lowercase hex encoded HMAC-SHA256 signature for body.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares a received hex signature with a freshly computed one.
func VerifySignature(secret string, body []byte, candidate string) bool {
	candidateBytes, err := hex.DecodeString(candidate)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), candidateBytes)
}

// Clients checks ingest credentials against the configured client apps.
type Clients struct {
	creds map[string]config.ClientCredential
}

// NewClients builds a checker over creds.
func NewClients(creds map[string]config.ClientCredential) *Clients {
	return &Clients{creds: creds}
}

// Authenticate verifies the api key for clientID and, when the client has an
// HMAC secret, the body signature.
func (c *Clients) Authenticate(clientID, apiKey string, body []byte, signature string) error {
	cred, ok := c.creds[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(cred.APIKey)) != 1 {
		return ErrInvalidAPIKey
	}
	if cred.HMACSecret != "" && (signature == "" || !VerifySignature(cred.HMACSecret, body, signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// ClientForKey returns the id of the client whose api key is apiKey.
func (c *Clients) ClientForKey(apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	found := ""
	for id, cred := range c.creds {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(cred.APIKey)) == 1 {
			found = id
		}
	}
	return found, found != ""
}
