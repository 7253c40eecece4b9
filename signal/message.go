package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the signaling message variants.
type Type string

const (
	TypeCallInvite        Type = "call-invite"
	TypeCallAccept        Type = "call-accept"
	TypeCallDecline       Type = "call-decline"
	TypeCallEnd           Type = "call-end"
	TypeSDPOffer          Type = "sdp-offer"
	TypeSDPAnswer         Type = "sdp-answer"
	TypeICECandidate      Type = "ice-candidate"
	TypePresenceHeartbeat Type = "presence-heartbeat"
)

// Message is one signaling record exchanged through the realtime store.
// From/To carry peer ids; the payload fields are variant-specific and empty
// for variants that do not use them. Messages are transient and never
// persisted beyond the transport.
type Message struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	SDP         string    `json:"sdp,omitempty"`
	Candidate   string    `json:"candidate,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// NewMessage builds a message with a fresh id and send timestamp.
func NewMessage(t Type, from, to string) Message {
	return Message{
		ID:     uuid.NewString(),
		Type:   t,
		From:   from,
		To:     to,
		SentAt: time.Now().UTC(),
	}
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(record []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(record, &m); err != nil {
		return Message{}, fmt.Errorf("bad signaling record: %w", err)
	}
	if m.Type == "" || m.From == "" {
		return Message{}, fmt.Errorf("signaling record missing type or sender")
	}
	return m, nil
}
