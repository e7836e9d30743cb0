// Package control owns the shared configuration on behalf of page observers and
// the settings surface. Requests are answered with an Ack; a LocalClient reaches
// the service through an in-process mailbox and an HTTPClient through the API.
package control

import (
	"errors"

	"github.com/JakeFAU/searchguard/internal/state"
)

// Messaging errors returned by clients.
var (
	// ErrTimeout means no reply arrived before the call deadline.
	ErrTimeout = errors.New("control: request timed out")
	// ErrUnavailable means the service could not be reached at all.
	ErrUnavailable = errors.New("control: service unavailable")
	// ErrRejected wraps an error Ack returned by the service.
	ErrRejected = errors.New("control: request rejected")
)

// MessageType names a control request.
type MessageType string

// Supported requests.
const (
	GetState              MessageType = "GetState"
	SetState              MessageType = "SetState"
	IncrementBlockedCount MessageType = "IncrementBlockedCount"
	BlockAndRedirect      MessageType = "BlockAndRedirect"
)

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// BlockRequest asks the service to replace a tab with the block page.
type BlockRequest struct {
	Query       string `json:"query"`
	MatchedTerm string `json:"matchedTerm"`
	EngineHost  string `json:"engineHost"`
	TabID       string `json:"tabId"`
	// Source is the observation strategy that caught the query.
	Source string `json:"source,omitempty"`
}

// Request is one control message.
type Request struct {
	ID    string        `json:"id"`
	Type  MessageType   `json:"type"`
	Patch *state.Patch  `json:"patch,omitempty"`
	Block *BlockRequest `json:"block,omitempty"`
}

// Ack answers a Request.
type Ack struct {
	RequestID string               `json:"requestId"`
	Status    string               `json:"status"`
	State     *state.Configuration `json:"state,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// OK reports whether the request succeeded.
func (a Ack) OK() bool {
	return a.Status == StatusOK
}
