package bearer

import (
	"errors"
	"fmt"
)

// MessageType identifies a configuration message sent by the host
// application.
type MessageType string

const (
	// MessageSetAPIBaseURL carries the origin to intercept.
	MessageSetAPIBaseURL MessageType = "SET_API_BASE_URL"
	// MessageSetAccessToken carries a credential obtained by the application,
	// after sign in or its own refresh.
	MessageSetAccessToken MessageType = "SET_ACCESS_TOKEN"
	// MessageResetAccessToken clears the credential, typically on sign out.
	MessageResetAccessToken MessageType = "RESET_ACCESS_TOKEN"
)

// ErrUnknownMessage is returned by HandleMessage for message types outside the
// supported set.
var ErrUnknownMessage = errors.New("unknown message type")

var errInvalidRefreshToken = errors.New("refresher returned no usable access token")

// Message is a tagged configuration payload. Message holds the string
// argument for the types that take one.
type Message struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

// HandleMessage applies a configuration message. Messages are applied in the
// order they are handled; requests already being authorized may or may not
// observe the change.
func (a *Authenticator) HandleMessage(msg Message) error {
	switch msg.Type {
	case MessageSetAPIBaseURL:
		a.SetAPIBaseURL(msg.Message)
	case MessageSetAccessToken:
		a.SetAccessToken(msg.Message)
	case MessageResetAccessToken:
		a.ResetAccessToken()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return nil
}
