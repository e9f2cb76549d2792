// Package proto defines the message envelope exchanged between agents and the
// validation applied to it at every transport boundary.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeTASK            MsgType = "TASK"            // Unit of work for an agent
	MsgTypeTOOL_CALL       MsgType = "TOOL_CALL"       // Tool invocation request
	MsgTypeDEBATE_PROPOSAL MsgType = "DEBATE_PROPOSAL" // Candidate answer in a debate
	MsgTypeDEBATE_CRITIQUE MsgType = "DEBATE_CRITIQUE" // Critique of a proposal
	MsgTypeDEBATE_DECISION MsgType = "DEBATE_DECISION" // Coordinator's verdict
)

// QoS selects the delivery guarantee requested by the sender.
//
// ExactlyOnce is accepted on the wire but the router applies the same
// idempotency dedup as AtLeastOnce; the two are not distinguished further.
type QoS string

const (
	AtMostOnce  QoS = "at-most-once"
	AtLeastOnce QoS = "at-least-once"
	ExactlyOnce QoS = "exactly-once"
)

// TopicWildcard matches every topic when used as a subscription topic.
const TopicWildcard = "*"

// MetaKeyID is the meta key carrying the signing key id.
const MetaKeyID = "keyId"

// Recipients holds the envelope's explicit targets. On the wire a single
// recipient is encoded as a bare string, multiple recipients as an array.
type Recipients []string

func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = Recipients(many)
	return nil
}

// Envelope is the unit of communication. It is immutable once published:
// anything that needs to change a field (notably attaching a signature)
// must work on a copy, never on a delivered value.
type Envelope struct {
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Type    MsgType         `json:"type"`
	QoS     QoS             `json:"qos"`
	Topic   string          `json:"topic,omitempty"`
	From    string          `json:"from"`
	To      Recipients      `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Meta    map[string]any  `json:"meta,omitempty"`
	Sig     string          `json:"sig,omitempty"`
}

// NewEnvelope builds a valid envelope with a fresh UUID and current timestamp.
// The payload is serialized immediately so later mutation of v cannot leak in.
func NewEnvelope(msgType MsgType, qos QoS, from string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return &Envelope{
		ID:      uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Type:    msgType,
		QoS:     qos,
		From:    from,
		Payload: payload,
	}, nil
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Clone returns a deep copy. Meta and To are copied so the clone can be
// modified without touching the original.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		ID:    e.ID,
		TS:    e.TS,
		Type:  e.Type,
		QoS:   e.QoS,
		Topic: e.Topic,
		From:  e.From,
		Sig:   e.Sig,
	}
	if e.To != nil {
		clone.To = append(Recipients{}, e.To...)
	}
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage{}, e.Payload...)
	}
	if e.Meta != nil {
		clone.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			clone.Meta[k] = v
		}
	}
	return clone
}

// WithSig returns a signed copy of the envelope. The key id, when non-empty,
// is recorded under Meta["keyId"] so receivers can resolve rotated keys.
func (e *Envelope) WithSig(sig, keyID string) *Envelope {
	signed := e.Clone()
	signed.Sig = sig
	if keyID != "" {
		if signed.Meta == nil {
			signed.Meta = make(map[string]any, 1)
		}
		signed.Meta[MetaKeyID] = keyID
	}
	return signed
}

// KeyID extracts the signing key id from meta, if present.
func (e *Envelope) KeyID() (string, bool) {
	if e.Meta == nil {
		return "", false
	}
	if v, ok := e.Meta[MetaKeyID]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// DeliveryTargets resolves who this envelope should be handed to: the explicit
// recipients when present, otherwise the topic (wildcard when no topic either).
func (e *Envelope) DeliveryTargets() []string {
	if len(e.To) > 0 {
		return append([]string{}, e.To...)
	}
	if e.Topic != "" {
		return []string{e.Topic}
	}
	return []string{TopicWildcard}
}

// Validate checks the envelope against the schema. It is called on publish
// (error surfaced to the caller) and on receipt (invalid envelopes dropped).
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("envelope id must be a UUID: %w", err)
	}
	if e.TS < 0 {
		return fmt.Errorf("envelope ts must be non-negative, got %d", e.TS)
	}
	if _, ok := ValidateMsgType(string(e.Type)); !ok {
		return fmt.Errorf("invalid envelope type: %s", e.Type)
	}
	if _, ok := ValidateQoS(string(e.QoS)); !ok {
		return fmt.Errorf("invalid envelope qos: %s", e.QoS)
	}
	if e.From == "" {
		return fmt.Errorf("envelope from is required")
	}
	for _, to := range e.To {
		if to == "" {
			return fmt.Errorf("envelope to entries must be non-empty")
		}
	}
	if e.Payload == nil {
		return fmt.Errorf("envelope payload is required")
	}
	return nil
}

// MsgType helper methods

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeTASK, MsgTypeTOOL_CALL, MsgTypeDEBATE_PROPOSAL, MsgTypeDEBATE_CRITIQUE, MsgTypeDEBATE_DECISION:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	if msgType, ok := ValidateMsgType(strings.ToUpper(s)); ok {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

func (mt MsgType) String() string {
	return string(mt)
}

// QoS helper methods

// ValidateQoS validates if a string is a valid QoS level.
func ValidateQoS(qos string) (QoS, bool) {
	switch QoS(qos) {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
		return QoS(qos), true
	default:
		return "", false
	}
}

// ParseQoS parses a string into a QoS level with validation.
func ParseQoS(s string) (QoS, error) {
	if qos, ok := ValidateQoS(strings.ToLower(s)); ok {
		return qos, nil
	}
	return "", fmt.Errorf("unknown qos level: %s", s)
}

func (q QoS) String() string {
	return string(q)
}

// NeedsDedup reports whether the router should run the idempotency check for
// this QoS level. Exactly-once intentionally shares the at-least-once path.
func (q QoS) NeedsDedup() bool {
	return q != AtMostOnce
}
