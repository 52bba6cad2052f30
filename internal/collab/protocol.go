package collab

import (
	"encoding/json"
	"fmt"

	"chronicle/collab/internal/replica"
)

// Peer is the transport side of one session. Sends must not block; a peer
// that cannot keep up should drop its connection.
type Peer interface {
	SendText(msg any) error
	SendBinary(data []byte) error
	Close(code int, reason string)
}

// Client frame types.
const (
	FrameAuth   = "auth"
	FrameUpdate = "update"
	FrameSync   = "sync"
)

type ClientMessage struct {
	Type  string      `json:"type"`
	Token string      `json:"token,omitempty"`
	Op    *replica.Op `json:"op,omitempty"`
}

func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: malformed frame: %v", ErrInvalidOperation, err)
	}
	switch msg.Type {
	case FrameAuth, FrameSync:
	case FrameUpdate:
		if msg.Op == nil {
			return ClientMessage{}, fmt.Errorf("%w: update without op", ErrInvalidOperation)
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown frame type %q", ErrInvalidOperation, msg.Type)
	}
	return msg, nil
}

type AuthenticatedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	ReadOnly  bool   `json:"readOnly"`
}

type AuthenticationFailedMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// SnapshotMessage carries the full content at Version. Clients drop updates
// with a version at or below the last snapshot they applied.
type SnapshotMessage struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Version    uint64          `json:"version"`
	Content    json.RawMessage `json:"content"`
}

type UpdateMessage struct {
	Type      string     `json:"type"`
	Version   uint64     `json:"version"`
	SessionID string     `json:"sessionId"`
	Op        replica.Op `json:"op"`
}

// AckMessage confirms to the sender that its op was applied as Version
// without being rebased. A rebased op is answered with a snapshot instead.
type AckMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

type PresenceMessage struct {
	Type       string             `json:"type"`
	DocumentID string             `json:"documentId"`
	Sessions   []replica.Presence `json:"sessions"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: "error", Code: Code(err), Message: err.Error()}
}
