package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TokenPrefix tags every approval token.
const TokenPrefix = "approval_"

const tokenHexLength = 32

// Signer derives approval tokens with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. An empty secret gets a random per-process
// key, so tokens only verify inside the process that issued them.
func NewSigner(secret string) *Signer {
	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("approval: crypto/rand failed: " + err.Error())
		}
		return &Signer{secret: key}
	}
	return &Signer{secret: []byte(secret)}
}

type tokenPayload struct {
	ActionID string `json:"action_id"`
	TraceID  string `json:"trace_id"`
	IssuedAt int64  `json:"issued_at"`
}

// Sign returns the token for (actionID, traceID, issuedAt).
func (s *Signer) Sign(actionID, traceID string, issuedAt time.Time) string {
	return TokenPrefix + s.mac(actionID, traceID, issuedAt)
}

// Verify checks token against the values it should be bound to.
func (s *Signer) Verify(token, actionID, traceID string, issuedAt time.Time) bool {
	expected := s.Sign(actionID, traceID, issuedAt)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (s *Signer) mac(actionID, traceID string, issuedAt time.Time) string {
	// Marshalling a struct of strings and an int cannot fail.
	data, _ := json.Marshal(tokenPayload{
		ActionID: actionID,
		TraceID:  traceID,
		IssuedAt: issuedAt.UnixNano(),
	})
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))[:tokenHexLength]
}
