// Package signing authenticates envelopes with HMAC-SHA256 over a canonical
// field subset, plus a key provider abstraction that supports rotation.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"agentbus/pkg/proto"
)

// canonicalEnvelope is the signed subset, in fixed field order. Meta and Sig
// are deliberately excluded so attaching key-id metadata after signing does
// not invalidate the signature.
type canonicalEnvelope struct {
	ID      string           `json:"id"`
	TS      int64            `json:"ts"`
	Type    proto.MsgType    `json:"type"`
	From    string           `json:"from"`
	To      proto.Recipients `json:"to,omitempty"`
	Topic   string           `json:"topic,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

func canonicalBytes(env *proto.Envelope) ([]byte, error) {
	return json.Marshal(canonicalEnvelope{
		ID:      env.ID,
		TS:      env.TS,
		Type:    env.Type,
		From:    env.From,
		To:      env.To,
		Topic:   env.Topic,
		Payload: env.Payload,
	})
}

// Sign computes the hex HMAC-SHA256 signature of the envelope's canonical
// subset under the given secret.
func Sign(env *proto.Envelope, secret string) (string, error) {
	data, err := canonicalBytes(env)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize envelope %s: %w", env.ID, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time against
// env.Sig. A missing signature never verifies.
func Verify(env *proto.Envelope, secret string) bool {
	if env.Sig == "" {
		return false
	}
	expected, err := Sign(env, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(env.Sig))
}
